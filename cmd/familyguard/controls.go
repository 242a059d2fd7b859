package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/enforce"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

var (
	targetChild  string
	targetFamily string
)

var controlsCmd = &cobra.Command{
	Use:   "controls",
	Short: "Read and edit a child's app controls",
	Long:  `Read and edit the guardian's per-app rules and daily limits for a child in the shared store.`,
}

var controlsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current controls and remote blocks",
	Args:  cobra.NoArgs,
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		state, err := w.GetControlsOnce(ctx)
		if err != nil {
			return err
		}
		blocks, err := w.RemoteBlocksOnce(ctx)
		if err != nil {
			return err
		}
		printControls(state, blocks)
		return nil
	}),
}

var controlsBlockCmd = &cobra.Command{
	Use:   "block PACKAGE",
	Short: "Block an app",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		return w.SetAppBlocked(ctx, args[0], true)
	}),
}

var controlsUnblockCmd = &cobra.Command{
	Use:   "unblock PACKAGE",
	Short: "Unblock an app",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		return w.SetAppBlocked(ctx, args[0], false)
	}),
}

var controlsLimitCmd = &cobra.Command{
	Use:   "limit PACKAGE DURATION|none",
	Short: "Set or remove an app's daily limit",
	Example: `  familyguard controls limit com.example.game 1h30m
  familyguard controls limit com.example.game none`,
	Args: cobra.ExactArgs(2),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		limit, err := parseLimit(args[1])
		if err != nil {
			return err
		}
		return w.SetAppDailyLimit(ctx, args[0], limit)
	}),
}

var controlsRemoveCmd = &cobra.Command{
	Use:   "remove PACKAGE",
	Short: "Remove every rule for an app",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		return w.RemoveAppControl(ctx, args[0])
	}),
}

var controlsGlobalCmd = &cobra.Command{
	Use:   "global DURATION|none",
	Short: "Set or remove the device-wide daily limit",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		limit, err := parseLimit(args[0])
		if err != nil {
			return err
		}
		return w.SetGlobalLimit(ctx, limit)
	}),
}

var controlsGraceCmd = &cobra.Command{
	Use:   "grace DURATION",
	Short: "Set the grace period added to every limit",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		grace, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid grace: %w", err)
		}
		return w.SetGrace(ctx, grace.Milliseconds())
	}),
}

var controlsTimezoneCmd = &cobra.Command{
	Use:   "timezone ZONE|none",
	Short: "Set the timezone used for the child's day boundaries",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		tz := args[0]
		if tz == "none" {
			tz = ""
		}
		return w.SetTimezone(ctx, tz)
	}),
}

func init() {
	controlsCmd.PersistentFlags().StringVar(&targetChild, "child", "", "Child id (defaults to agent.child_id)")
	controlsCmd.PersistentFlags().StringVar(&targetFamily, "family", "", "Family id (defaults to agent.family_id)")

	controlsCmd.AddCommand(controlsShowCmd)
	controlsCmd.AddCommand(controlsBlockCmd)
	controlsCmd.AddCommand(controlsUnblockCmd)
	controlsCmd.AddCommand(controlsLimitCmd)
	controlsCmd.AddCommand(controlsRemoveCmd)
	controlsCmd.AddCommand(controlsGlobalCmd)
	controlsCmd.AddCommand(controlsGraceCmd)
	controlsCmd.AddCommand(controlsTimezoneCmd)
	rootCmd.AddCommand(controlsCmd)
}

// withWriter opens the store and runs fn with a writer for the target child
func withWriter(fn func(ctx context.Context, w *controls.Writer, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, store storage.Store, childID string) error {
			familyID := enforce.SanitizeID(targetFamily)
			if familyID == "" {
				familyID = enforce.SanitizeID(cfg.Agent.FamilyID)
			}
			if familyID == "" {
				return fmt.Errorf("no family id: set --family or agent.family_id")
			}

			if err := fn(ctx, controls.NewWriter(store.Documents(), familyID, childID), args); err != nil {
				return err
			}
			if cmd.Name() != "show" {
				_, _ = color.New(color.FgGreen).Fprintf(os.Stdout, "✅ %s %v applied for %s\n", cmd.Name(), args, childID)
			}
			return nil
		})
	}
}

// withStore loads the configuration, opens the store and resolves the
// target child
func withStore(fn func(ctx context.Context, cfg *config.Config, store storage.Store, childID string) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	childID := enforce.SanitizeID(targetChild)
	if childID == "" {
		childID = enforce.SanitizeID(cfg.Agent.ChildID)
	}
	if childID == "" {
		return fmt.Errorf("no child id: set --child or agent.child_id")
	}

	store, err := openStorage(cfg.Storage, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return fn(ctx, cfg, store, childID)
}

// parseLimit parses a duration into milliseconds; "none" removes the limit
func parseLimit(s string) (*int64, error) {
	if s == "none" {
		return nil, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// Plain numbers are minutes
		minutes, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("invalid limit %q: %w", s, err)
		}
		d = time.Duration(minutes) * time.Minute
	}
	return controls.Int64(d.Milliseconds()), nil
}

func printControls(state controls.State, blocks map[string]controls.RemoteBlock) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\n[meta]")
	fmt.Printf("  global_daily_limit = %s\n", formatLimit(state.Meta.GlobalDailyLimitMillis))
	fmt.Printf("  grace = %s\n", time.Duration(state.Meta.GraceMillis)*time.Millisecond)
	fmt.Printf("  timezone = %q\n", state.Meta.Timezone)

	_, _ = cyan.Println("\n[apps]")
	pkgs := make([]string, 0, len(state.Apps))
	for pkg := range state.Apps {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	if len(pkgs) == 0 {
		fmt.Println("  (none)")
	}
	for _, pkg := range pkgs {
		rule := state.Apps[pkg]
		if rule.Blocked {
			_, _ = red.Printf("  %s = blocked", pkg)
		} else {
			fmt.Printf("  %s = allowed", pkg)
		}
		fmt.Printf(", daily limit %s\n", formatLimit(rule.DailyLimitMillis))
	}

	_, _ = cyan.Println("\n[remote blocks]")
	pkgs = pkgs[:0]
	for pkg := range blocks {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	if len(pkgs) == 0 {
		fmt.Println("  (none)")
	}
	for _, pkg := range pkgs {
		block := blocks[pkg]
		_, _ = yellow.Printf("  %s", pkg)
		fmt.Printf(" message=%q reason=%q version=%s\n", block.Message, block.Reason, block.StatusVersion)
	}
	fmt.Println()
}

func formatLimit(ms *int64) string {
	if ms == nil {
		return "none"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
