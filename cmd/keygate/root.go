package main

import (
	"fmt"
	"os"
	"time"

	"keygate/internal/config"
	"keygate/internal/configstore"
	"keygate/internal/coordinator"
	"keygate/internal/db"
	"keygate/internal/logger"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var cfgFile string
var verbose bool
var logFile string

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "A reputation-gated access key allocation engine",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(verbose, logFile)
	},
	PostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stdout (overwrites file)")
}

// openEngine wires the shared state every data-touching command needs.
func openEngine() (*config.Config, *gorm.DB, *coordinator.Coordinator) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Log.Fatalf("Error loading config: %v", err)
	}

	database, err := db.Connect(cfg.Database.Path)
	if err != nil {
		logger.Log.Fatalf("Error connecting to DB: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		logger.Log.Fatalf("Error migrating DB: %v", err)
	}

	store, err := configstore.Get(cfg.ConfigStore.Type, cfg.ConfigStore.Params)
	if err != nil {
		logger.Log.Fatalf("Error building config store: %v", err)
	}

	rnd := coordinator.NewLockedRand(time.Now().UnixNano())
	return cfg, database, coordinator.New(database, cfg, store, rnd)
}
