package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"keygate/internal/coordinator"
	"keygate/internal/db"
	"keygate/internal/logger"
	"keygate/internal/model"

	"github.com/spf13/cobra"
)

var allocType string
var allocDistModel string
var allocIssueID uint

var allocateCmd = &cobra.Command{
	Use:   "allocate <user-id>",
	Short: "Allocate a new access key for a user",
	Long:  `Runs the full allocation pipeline: validation, backend choice, remote provisioning, persistence and retirement of superseded keys. Prints the resulting access keys.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, co := openEngine()
		defer db.Close(database)

		req := coordinator.CreateRequest{
			UserID:      args[0],
			RequestType: allocType,
		}
		switch allocDistModel {
		case "", "basic":
			req.DistModel = model.DistBasic
		case "locationed":
			req.DistModel = model.DistLocationed
		default:
			logger.Log.Fatalf("Unknown dist model %q", allocDistModel)
		}
		if allocIssueID != 0 {
			req.IssueID = &allocIssueID
		}

		alloc, err := co.Create(context.Background(), req)
		if err != nil {
			switch {
			case errors.Is(err, coordinator.ErrUserNotFound):
				logger.Log.Fatalf("User does not exist; run 'keygate user register' first")
			case errors.Is(err, coordinator.ErrDuplicateKey):
				logger.Log.Fatalf("User already holds a key")
			case errors.Is(err, coordinator.ErrUserBanned):
				logger.Log.Fatalf("User is banned")
			case errors.Is(err, coordinator.ErrNoServer):
				logger.Log.Fatalf("No server available for this user")
			default:
				logger.Log.Fatalf("Allocation failed: %v", err)
			}
		}

		fmt.Printf("✅ Allocated key %d (reputation %d)\n", alloc.Key.ID, alloc.Reputation)
		for _, created := range alloc.CreatedKeys {
			fmt.Fprintf(os.Stdout, "  server %d\tkey %d\t%s\n",
				created.ServerID, created.BackendKeyID, created.AccessURL)
		}
		if alloc.SSConfLink != "" {
			fmt.Printf("  config: %s\n", alloc.SSConfLink)
		}
	},
}

func init() {
	allocateCmd.Flags().StringVarP(&allocType, "type", "t", "", "Backend type (legacy|central|gtf); random when omitted")
	allocateCmd.Flags().StringVar(&allocDistModel, "dist-model", "basic", "Distribution model for legacy keys (basic|locationed)")
	allocateCmd.Flags().UintVar(&allocIssueID, "issue", 0, "Issue id to stamp on superseded keys")
	rootCmd.AddCommand(allocateCmd)
}
