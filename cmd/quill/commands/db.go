package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/quill/ai/tracker"
	"github.com/teranos/quill/db"
	"github.com/teranos/quill/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the quill database",
	Long: `Manage database operations.

Examples:
  quill db migrate                 # Apply pending migrations
  quill db stats                   # Row counts per table and job status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	dbStatsCmd.Flags().Duration("since", 24*time.Hour, "Window for model usage statistics")
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Database is at migration %s (%d applied)\n", versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	var rows [][]string
	for _, table := range []string{"batches", "jobs", "artifacts", "usage_events", "pricing_profiles"} {
		var n int
		if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		rows = append(rows, []string{table, strconv.Itoa(n)})
	}

	statusRows, err := database.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status")
	if err != nil {
		return errors.Wrap(err, "failed to count jobs by status")
	}
	defer statusRows.Close()
	var byStatus []string
	for statusRows.Next() {
		var status string
		var n int
		if err := statusRows.Scan(&status, &n); err != nil {
			return errors.Wrap(err, "failed to scan job status count")
		}
		byStatus = append(byStatus, fmt.Sprintf("%s=%d", status, n))
	}
	if err := statusRows.Err(); err != nil {
		return errors.Wrap(err, "failed to read job status counts")
	}

	since, _ := cmd.Flags().GetDuration("since")
	usage, err := tracker.NewUsageTracker(database).GetUsageStats(ctx, time.Now().Add(-since))
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Database Statistics")
	if err := renderTable([]string{"Table", "Rows"}, rows); err != nil {
		return err
	}
	if len(byStatus) > 0 {
		fmt.Printf("\nJobs by status: %s\n", strings.Join(byStatus, ", "))
	}
	fmt.Printf("Model calls (last %s): %d, %.1f%% ok, %d repairs, %d in / %d out tokens across %d backends\n",
		since, usage.TotalRequests, usage.SuccessRate*100, usage.RepairRequests,
		usage.InputTokens, usage.OutputTokens, usage.UniqueBackends)
	return nil
}
