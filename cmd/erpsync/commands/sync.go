package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
	erpsync "github.com/teranos/erpsync/sync"
)

// SyncCmd runs and inspects incremental synchronization
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: sym.Sync + " Synchronize source changes into the destination",
	Long: sym.Sync + ` sync — Incremental synchronization

A sync run extracts what changed since the source's watermark, detects
creates, updates, moves and deletions against the last-seen hash index,
resolves conflicts with local edits and applies the result to the
destination store. A source without a watermark gets a full run.

Examples:
  erpsync sync run erp            # Incremental sync of source "erp"
  erpsync sync run erp --full     # Full sync, rebuilding the hash index
  erpsync sync state              # Watermarks of every source
  erpsync sync reset erp          # Forget state so the next run is full`,
}

var syncRunCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Run one sync of a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncRun,
}

var syncStateCmd = &cobra.Command{
	Use:   "state [source]",
	Short: "Show sync watermarks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSyncState,
}

var syncResetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Forget a source's sync state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncReset,
}

var syncForceFull bool

func init() {
	syncRunCmd.Flags().BoolVar(&syncForceFull, "full", false, "Ignore the watermark and sync everything")

	SyncCmd.AddCommand(syncRunCmd)
	SyncCmd.AddCommand(syncStateCmd)
	SyncCmd.AddCommand(syncResetCmd)
}

func runSyncRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	st, err := sourceArg(e, args[0])
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Syncing %s...", st))
	res, err := e.Sync().Run(ctx, st, syncForceFull)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("%s sync of %s %s", res.Mode, st, res.Status))

	data := pterm.TableData{
		{"Extracted", "Created", "Updated", "Deleted", "Moved", "Skipped", "Conflicts", "Failed"},
		{
			fmt.Sprint(res.Extracted), fmt.Sprint(res.Created), fmt.Sprint(res.Updated), fmt.Sprint(res.Deleted),
			fmt.Sprint(res.Moved), fmt.Sprint(res.Skipped), fmt.Sprint(res.Conflicts), fmt.Sprint(res.Failed),
		},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	for _, r := range res.Resolutions {
		pterm.Warning.Printf("Conflict on %s resolved by %s: %s wins\n", r.RecordID, r.Strategy, r.Winner)
	}
	for _, msg := range res.Errors {
		pterm.Error.Println(msg)
	}
	if res.Digest != "" {
		pterm.Info.Printf("Index digest: %s\n", res.Digest)
	}
	if res.Status != erpsync.StatusCompleted {
		return errors.Newf("sync %s ended %s", res.ID, res.Status)
	}
	return nil
}

func runSyncState(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	types := e.Coordinator().SourceTypes()
	if len(args) == 1 {
		st, err := sourceArg(e, args[0])
		if err != nil {
			return err
		}
		types = []source.Type{st}
	}

	data := pterm.TableData{{"Source", "Last sync", "Synced", "Max updated_at", "Failures", "Last error"}}
	for _, st := range types {
		s, err := e.Sync().State(st)
		if err != nil {
			return err
		}
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		maxUpdated := s.Watermarks[erpsync.WatermarkMaxUpdatedAt]
		if maxUpdated == "" {
			maxUpdated = "-"
		}
		data = append(data, []string{
			string(st), formatTime(s.LastSyncTimestamp), fmt.Sprint(s.SyncedCount),
			maxUpdated, fmt.Sprint(s.FailureCount), lastErr,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSyncReset(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	st, err := sourceArg(e, args[0])
	if err != nil {
		return err
	}
	if err := e.Sync().Reset(st); err != nil {
		return err
	}
	pterm.Success.Printf("Sync state of %s reset at %s; the next run is full\n", st, time.Now().Format(time.RFC3339))
	return nil
}
