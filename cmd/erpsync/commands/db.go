package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/db"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the erpsync database",
	Long: sym.DB + ` db — Manage the erpsync database

The database holds the destination store (invoices, counterparties and
the correction log) and the scheduler's execution history. Job
definitions, checkpoints, sync state and reports live as JSON documents
under storage.data_dir.

Examples:
  erpsync db migrate              # Apply pending migrations
  erpsync db stats                # Row counts and document directories`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// openDatabase applies anything pending
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	migrations, err := db.Migrations(database)
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Version", "Name", "Applied"}}
	for _, m := range migrations {
		applied := "pending"
		if m.Applied {
			applied = m.AppliedAt
		}
		data = append(data, []string{m.Version, m.Name, applied})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Success.Printf("Database %s is up to date (%d migrations)\n", cfg.GetDatabasePath(), len(migrations))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", cfg.GetDatabasePath())
	fmt.Printf("Data Directory: %s\n\n", cfg.GetDataDir())

	data := pterm.TableData{{"Table", "Rows"}}
	for _, table := range []string{"invoices", "counterparties", "invoice_corrections", "scheduler_executions"} {
		var n int
		// table names come from the fixed list above
		if err := database.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		data = append(data, []string{table, fmt.Sprint(n)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Println()

	rows, err := database.QueryContext(cmd.Context(), `
		SELECT source_type, COUNT(*), COUNT(DISTINCT counterparty_id)
		FROM invoices
		GROUP BY source_type
		ORDER BY source_type
	`)
	if err != nil {
		return errors.Wrap(err, "failed to query invoices by source")
	}
	defer rows.Close()

	bySource := pterm.TableData{{"Source", "Invoices", "Counterparties"}}
	for rows.Next() {
		var (
			sourceType string
			invoices   int
			parties    int
		)
		if err := rows.Scan(&sourceType, &invoices, &parties); err != nil {
			return errors.Wrap(err, "failed to scan invoice counts")
		}
		bySource = append(bySource, []string{sourceType, fmt.Sprint(invoices), fmt.Sprint(parties)})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read invoice counts")
	}
	if len(bySource) > 1 {
		return pterm.DefaultTable.WithHasHeader().WithData(bySource).Render()
	}
	return nil
}
