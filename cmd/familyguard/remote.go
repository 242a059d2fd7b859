package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/controls"
)

var (
	remoteMessage     string
	remoteRequestedBy string
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Immediately block or unblock an app on the child's device",
}

var remoteBlockCmd = &cobra.Command{
	Use:   "block PACKAGE",
	Short: "Request an immediate block",
	Example: `  familyguard remote block --message "Dinner time" com.example.game`,
	Args:    cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		return w.SetRemoteBlock(ctx, args[0], remoteMessage, remoteRequestedBy)
	}),
}

var remoteUnblockCmd = &cobra.Command{
	Use:   "unblock PACKAGE",
	Short: "Lift an immediate block",
	Args:  cobra.ExactArgs(1),
	RunE: withWriter(func(ctx context.Context, w *controls.Writer, args []string) error {
		return w.ClearRemoteBlock(ctx, args[0])
	}),
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&targetChild, "child", "", "Child id (defaults to agent.child_id)")
	remoteCmd.PersistentFlags().StringVar(&targetFamily, "family", "", "Family id (defaults to agent.family_id)")
	remoteBlockCmd.Flags().StringVar(&remoteMessage, "message", "", "Message shown on the block overlay")
	remoteBlockCmd.Flags().StringVar(&remoteRequestedBy, "requested-by", "", "Guardian requesting the block")

	remoteCmd.AddCommand(remoteBlockCmd)
	remoteCmd.AddCommand(remoteUnblockCmd)
	rootCmd.AddCommand(remoteCmd)
}
