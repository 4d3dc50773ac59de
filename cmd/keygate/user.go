package main

import (
	"context"
	"fmt"
	"time"

	"keygate/internal/db"
	"keygate/internal/logger"
	"keygate/internal/users"

	"github.com/spf13/cobra"
)

var userChannel string
var userChat string
var userDeleteReason uint
var userRegions []string
var userNotify string
var userBan bool
var userUnban bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userRegisterCmd = &cobra.Command{
	Use:   "register <user-id>",
	Short: "Register a user (idempotent)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, _ := openEngine()
		defer db.Close(database)

		svc := users.New(database)
		user, err := svc.Register(args[0], userChannel, userChat)
		if err != nil {
			logger.Log.Fatalf("Error registering user: %v", err)
		}
		if len(userRegions) > 0 {
			if err := svc.SetRegions(args[0], userRegions); err != nil {
				logger.Log.Fatalf("Error setting regions: %v", err)
			}
		}
		fmt.Printf("✅ User %d registered (channel %s)\n", user.ID, user.Channel)
	},
}

var userSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Update account state (ban, notification status, regions)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, _ := openEngine()
		defer db.Close(database)

		svc := users.New(database)
		if userBan || userUnban {
			if err := svc.SetBanned(args[0], userBan); err != nil {
				logger.Log.Fatalf("Error updating ban state: %v", err)
			}
		}
		if userNotify != "" {
			if err := svc.SetNotificationStatus(args[0], userNotify); err != nil {
				logger.Log.Fatalf("Error updating notification status: %v", err)
			}
		}
		if len(userRegions) > 0 {
			if err := svc.SetRegions(args[0], userRegions); err != nil {
				logger.Log.Fatalf("Error setting regions: %v", err)
			}
		}
		logger.Log.Info("User updated")
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user and their keys",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, database, _ := openEngine()
		defer db.Close(database)

		user, err := users.New(database).Get(args[0])
		if err != nil {
			logger.Log.Fatalf("Error: %v", err)
		}

		fmt.Printf("User %d  channel=%s  reputation=%d  banned=%v\n",
			user.ID, user.Channel, user.Reputation, user.Banned)
		if user.DeleteDate != nil {
			fmt.Printf("  deletion scheduled: %s\n", user.DeleteDate.Format(time.RFC3339))
		}
		for _, key := range user.Keys {
			state := "active"
			if key.Removed {
				state = "removed"
			} else if !key.Active {
				state = "inactive"
			}
			fmt.Printf("  key %d  server=%s  type=%s  %s\n",
				key.ID, key.Server.Name, key.RequestType, state)
		}
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Revoke a user's keys and schedule the account purge",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, database, co := openEngine()
		defer db.Close(database)

		svc := users.New(database)
		user, err := svc.Get(args[0])
		if err != nil {
			logger.Log.Fatalf("Error: %v", err)
		}

		var reasonID *uint
		if userDeleteReason != 0 {
			reasonID = &userDeleteReason
		}
		delay := time.Duration(cfg.Lifecycle.ProfileDeleteDelayDays) * 24 * time.Hour
		if err := svc.Delete(args[0], reasonID, delay); err != nil {
			logger.Log.Fatalf("Error deleting user: %v", err)
		}
		if err := co.RevokeUserKeys(context.Background(), user.ID); err != nil {
			logger.Log.Fatalf("Error revoking keys: %v", err)
		}
		fmt.Printf("✅ Keys revoked; account purge in %d days\n",
			cfg.Lifecycle.ProfileDeleteDelayDays)
	},
}

func init() {
	userRegisterCmd.Flags().StringVarP(&userChannel, "channel", "c", "NA", "Acquisition channel (TG|EM|SG|NA)")
	userRegisterCmd.Flags().StringVar(&userChat, "chat", "", "Bot chat handle for notifications")
	userRegisterCmd.Flags().StringSliceVar(&userRegions, "region", nil, "Region preference, repeatable")
	userSetCmd.Flags().BoolVar(&userBan, "ban", false, "Ban the account")
	userSetCmd.Flags().BoolVar(&userUnban, "unban", false, "Lift the ban")
	userSetCmd.Flags().StringVar(&userNotify, "notify", "", "Notification status (ENABLED|BLOCKED_BOT|ACCOUNT_DEACTIVATED)")
	userSetCmd.Flags().StringSliceVar(&userRegions, "region", nil, "Replace region preferences, repeatable")
	userDeleteCmd.Flags().UintVar(&userDeleteReason, "reason", 0, "Delete reason id")

	userCmd.AddCommand(userRegisterCmd)
	userCmd.AddCommand(userSetCmd)
	userCmd.AddCommand(userShowCmd)
	userCmd.AddCommand(userDeleteCmd)
	rootCmd.AddCommand(userCmd)
}
