package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/cmd/erpsync/commands"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "erpsync",
	Short: "erpsync - ERP data extraction and synchronization engine",
	Long: `erpsync - ERP data extraction and synchronization engine.

erpsync pulls invoice data out of source systems, keeps a destination
store in step with them, and checks the two sides agree.

Available commands:
  am        - Manage erpsync configuration ("I am")
  source    - List source systems and probe their health
  sync      - Run incremental synchronization and inspect its state
  batch     - Run, inspect and resume batch extractions
  reconcile - Compare source and destination and correct drift
  schedule  - Manage scheduled jobs
  pulse     - Run the scheduler daemon
  db        - Manage the erpsync database

Examples:
  erpsync am show                   # Show current configuration
  erpsync source test               # Probe every configured source
  erpsync sync run erp              # Incremental sync of source "erp"
  erpsync schedule add --name nightly --type incremental_sync --source erp --cron "0 2 * * *"
  erpsync pulse start               # Start the scheduler daemon`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands whose output is meant to be piped stay quiet
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	// Values from .env are picked up as ERPSYNC_* overrides; a missing file is fine
	_ = godotenv.Load()

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.SourceCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.ReconcileCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
