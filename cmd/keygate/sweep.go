package main

import (
	"context"
	"strconv"

	"keygate/internal/db"
	"keygate/internal/logger"
	"keygate/internal/sweeper"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run maintenance sweeps",
	Long:  `Maintenance passes that reconcile the database with the backend fleet. Each subcommand runs one pass and exits; 'serve' runs them on a schedule instead.`,
}

var sweepActivityCmd = &cobra.Command{
	Use:   "activity <report.csv>",
	Short: "Reconcile key activity from a usage report",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, database, co := openEngine()
		defer db.Close(database)

		sw := sweeper.New(database, cfg, co)
		if _, _, err := sw.ReconcileActivity(args[0]); err != nil {
			logger.Log.Fatalf("Activity sweep failed: %v", err)
		}
	},
}

var sweepInactiveCmd = &cobra.Command{
	Use:   "inactive",
	Short: "Retire keys whose inactivity grace period expired",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep(func(ctx context.Context, sw *sweeper.Sweeper) (int, error) {
			return sw.DeactivateInactive(ctx)
		})
	},
}

var sweepBacklogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Retry backend removal for soft-removed keys",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep(func(ctx context.Context, sw *sweeper.Sweeper) (int, error) {
			return sw.FlushBacklog(ctx)
		})
	},
}

var sweepDedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Collapse users holding multiple live basic keys",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep(func(ctx context.Context, sw *sweeper.Sweeper) (int, error) {
			return sw.DedupeActive(ctx)
		})
	},
}

var sweepOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Remove ownerless keys and stale connect files",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep(func(ctx context.Context, sw *sweeper.Sweeper) (int, error) {
			return sw.PurgeOrphans(ctx)
		})
	},
}

var sweepUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Hard-delete accounts whose deletion date passed",
	Run: func(cmd *cobra.Command, args []string) {
		runSweep(func(ctx context.Context, sw *sweeper.Sweeper) (int, error) {
			return sw.PurgeUsers(ctx)
		})
	},
}

var sweepResetCmd = &cobra.Command{
	Use:   "reset-reputations <max>",
	Short: "Zero the reputation of users above a ceiling",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ceiling, err := strconv.Atoi(args[0])
		if err != nil {
			logger.Log.Fatalf("Bad ceiling %q", args[0])
		}
		cfg, database, co := openEngine()
		defer db.Close(database)

		sw := sweeper.New(database, cfg, co)
		if _, err := sw.ResetReputations(ceiling); err != nil {
			logger.Log.Fatalf("Sweep failed: %v", err)
		}
	},
}

func runSweep(pass func(context.Context, *sweeper.Sweeper) (int, error)) {
	cfg, database, co := openEngine()
	defer db.Close(database)

	sw := sweeper.New(database, cfg, co)
	if _, err := pass(context.Background(), sw); err != nil {
		logger.Log.Fatalf("Sweep failed: %v", err)
	}
}

func init() {
	sweepCmd.AddCommand(sweepActivityCmd)
	sweepCmd.AddCommand(sweepInactiveCmd)
	sweepCmd.AddCommand(sweepBacklogCmd)
	sweepCmd.AddCommand(sweepDedupeCmd)
	sweepCmd.AddCommand(sweepOrphansCmd)
	sweepCmd.AddCommand(sweepUsersCmd)
	sweepCmd.AddCommand(sweepResetCmd)
	rootCmd.AddCommand(sweepCmd)
}
