package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"keygate/internal/db"
	"keygate/internal/model"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and database statistics",
	Long:  `Displays a dashboard of the current database state: user and key counts, per-server load, backend type breakdown and the removal backlog.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, database, _ := openEngine()
		defer db.Close(database)

		var totalUsers, bannedUsers, pendingDeletes int64
		database.Model(&model.User{}).Count(&totalUsers)
		database.Model(&model.User{}).Where("banned = ?", true).Count(&bannedUsers)
		database.Model(&model.User{}).Where("delete_date IS NOT NULL").Count(&pendingDeletes)

		var totalKeys, liveKeys, backlog int64
		database.Model(&model.Key{}).Count(&totalKeys)
		database.Model(&model.Key{}).Where("active = ? AND removed = ?", true, false).Count(&liveKeys)
		database.Model(&model.Key{}).Where("removed = ? AND exists_on_server = ?", true, true).Count(&backlog)

		type typeStat struct {
			Type  string
			Count int64
		}
		var typeStats []typeStat
		database.Model(&model.Key{}).
			Select("request_type as type, count(*) as count").
			Where("active = ? AND removed = ?", true, false).
			Group("request_type").
			Scan(&typeStats)

		type serverStat struct {
			Name  string
			Level int
			Count int64
		}
		var serverStats []serverStat
		database.Table("servers").
			Select("servers.name, servers.level, count(keys.id) as count").
			Joins("left join keys on keys.server_id = servers.id and keys.active = 1 and keys.removed = 0").
			Where("servers.active = ?", true).
			Group("servers.id").
			Order("count desc").
			Scan(&serverStats)

		dbSize := getFileSize(cfg.Database.Path)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

		fmt.Println("\n📊 \033[1mKEYGATE STATUS DASHBOARD\033[0m")
		fmt.Println("────────────────────────────────────────")

		fmt.Fprintln(w, "\033[1;36m[ SYSTEM ]\033[0m\t")
		fmt.Fprintf(w, "  Database Path:\t%s\n", cfg.Database.Path)
		fmt.Fprintf(w, "  DB Size:\t%s\n", formatBytes(dbSize))
		fmt.Fprintf(w, "  Mode:\t%s\n", mode(cfg.Backends.RealServers))
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ USERS ]\033[0m\t")
		fmt.Fprintf(w, "  Total:\t%d\n", totalUsers)
		fmt.Fprintf(w, "  Banned:\t%d\n", bannedUsers)
		fmt.Fprintf(w, "  Pending deletion:\t%d\n", pendingDeletes)
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ KEYS ]\033[0m\t")
		fmt.Fprintf(w, "  Total:\t%d\n", totalKeys)
		fmt.Fprintf(w, "  Live:\t%d\n", liveKeys)
		fmt.Fprintf(w, "  Removal backlog:\t%d\n", backlog)
		for _, t := range typeStats {
			fmt.Fprintf(w, "  %s:\t%d\n", t.Type, t.Count)
		}
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ SERVER LOAD ]\033[0m\t")
		if len(serverStats) == 0 {
			fmt.Fprintln(w, "  (No active servers)")
		}
		for _, s := range serverStats {
			fmt.Fprintf(w, "  %s (L%d):\t%d\n", s.Name, s.Level, s.Count)
		}

		w.Flush()
		fmt.Println("")
	},
}

func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func mode(real bool) string {
	if real {
		return "real servers"
	}
	return "simulated"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
