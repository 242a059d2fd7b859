package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

var (
	usageDays int
	usageTop  int
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarise a child's persisted daily usage",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&targetChild, "child", "", "Child id (defaults to agent.child_id)")
	usageCmd.Flags().IntVar(&usageDays, "days", 7, "Number of days to summarise, ending today")
	usageCmd.Flags().IntVar(&usageTop, "top", 10, "Number of apps to list")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store, childID string) error {
		loc := time.Local
		if cfg.Usage.Timezone != "" {
			if l, err := time.LoadLocation(cfg.Usage.Timezone); err == nil {
				loc = l
			}
		}

		summary, err := storage.UsageWindow(ctx, store.Usage(), childID, usageDays, time.Now().In(loc))
		if err != nil {
			return err
		}

		printUsage(summary)
		return nil
	})
}

func printUsage(summary *storage.UsageSummary) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Printf("\nUsage for %s\n\n", summary.ChildID)
	for _, day := range summary.Days {
		fmt.Printf("  %s  %10s  %3d sessions\n", day.DateKey, formatMillis(day.TotalDurationMs), day.SessionCount)
	}

	fmt.Println()
	_, _ = yellow.Printf("  total       %10s  %3d sessions\n", formatMillis(summary.TotalDurationMs), summary.SessionCount)

	if len(summary.Apps) == 0 {
		fmt.Println()
		return
	}

	_, _ = cyan.Println("\nTop apps")
	for i, app := range summary.Apps {
		if usageTop > 0 && i >= usageTop {
			break
		}
		name := app.AppName
		if name == "" {
			name = app.PackageName
		}
		fmt.Printf("  %-30s %10s  %3d sessions  (%s)\n", name, formatMillis(app.DurationMs), app.Sessions, app.PackageName)
	}
	fmt.Println()
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
