package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"keygate/internal/db"
	"keygate/internal/logger"
	"keygate/internal/sweeper"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serveBacklogSpec string
var serveInactiveSpec string
var serveDedupeSpec string
var serveOrphansSpec string
var servePurgeSpec string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance sweeps on a schedule",
	Long:  `Starts a long-running scheduler driving the periodic sweeps. The activity sweep is not scheduled here; it depends on an externally produced usage report.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, database, co := openEngine()
		defer db.Close(database)

		sw := sweeper.New(database, cfg, co)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := cron.New()
		schedule := func(name, spec string, pass func(context.Context) (int, error)) {
			_, err := c.AddFunc(spec, func() {
				logger.Log.Infof("🏃 Running sweep: %s", name)
				if _, err := pass(ctx); err != nil {
					logger.Log.Errorf("Sweep %s failed: %v", name, err)
				}
			})
			if err != nil {
				logger.Log.Fatalf("Bad schedule %q for %s: %v", spec, name, err)
			}
		}

		schedule("backlog", serveBacklogSpec, sw.FlushBacklog)
		schedule("inactive", serveInactiveSpec, sw.DeactivateInactive)
		schedule("dedupe", serveDedupeSpec, sw.DedupeActive)
		schedule("orphans", serveOrphansSpec, sw.PurgeOrphans)
		schedule("users", servePurgeSpec, sw.PurgeUsers)

		c.Start()
		logger.Log.Info("Scheduler started; Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		cancel()
		<-c.Stop().Done()
		logger.Log.Info("Scheduler stopped")
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveBacklogSpec, "backlog-schedule", "*/10 * * * *", "Cron spec for the backlog sweep")
	serveCmd.Flags().StringVar(&serveInactiveSpec, "inactive-schedule", "0 3 * * *", "Cron spec for the inactivity sweep")
	serveCmd.Flags().StringVar(&serveDedupeSpec, "dedupe-schedule", "30 3 * * *", "Cron spec for the dedupe sweep")
	serveCmd.Flags().StringVar(&serveOrphansSpec, "orphans-schedule", "0 4 * * *", "Cron spec for the orphan sweep")
	serveCmd.Flags().StringVar(&servePurgeSpec, "purge-schedule", "30 4 * * *", "Cron spec for the account purge sweep")
	rootCmd.AddCommand(serveCmd)
}
