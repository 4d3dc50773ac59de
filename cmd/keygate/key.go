package main

import (
	"context"
	"strconv"

	"keygate/internal/db"
	"keygate/internal/logger"

	"github.com/spf13/cobra"
)

var deactivateIssueID uint
var deactivateTransfer float64

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <key-id>",
	Short: "Retire a legacy key (revokes it on the backend)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, co := openEngine()
		defer db.Close(database)

		keyID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			logger.Log.Fatalf("Bad key id %q", args[0])
		}

		var issueID *uint
		if deactivateIssueID != 0 {
			issueID = &deactivateIssueID
		}
		var transfer *float64
		if cmd.Flags().Changed("transfer") {
			transfer = &deactivateTransfer
		}

		if err := co.Deactivate(context.Background(), uint(keyID), issueID, transfer); err != nil {
			logger.Log.Fatalf("Error deactivating key: %v", err)
		}
		logger.Log.Infof("Key %d deactivated", keyID)
	},
}

var reactivateCmd = &cobra.Command{
	Use:   "reactivate <key-id>",
	Short: "Put a retired legacy key back in rotation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, co := openEngine()
		defer db.Close(database)

		keyID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			logger.Log.Fatalf("Bad key id %q", args[0])
		}
		if err := co.Reactivate(context.Background(), uint(keyID)); err != nil {
			logger.Log.Fatalf("Error reactivating key: %v", err)
		}
		logger.Log.Infof("Key %d reactivated", keyID)
	},
}

func init() {
	deactivateCmd.Flags().UintVar(&deactivateIssueID, "issue", 0, "Issue id reported by the user")
	deactivateCmd.Flags().Float64Var(&deactivateTransfer, "transfer", 0, "Transferred gigabytes at retirement")
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(reactivateCmd)
}
