package commands

import (
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/pulse/batch"
	"github.com/teranos/erpsync/sym"
)

// BatchCmd runs and inspects batch extractions
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: sym.Batch + " Run resumable batch extractions",
	Long: sym.Batch + ` batch — Parallel, resumable batch processing

A batch job splits a source's matching records into fixed-size batches,
processes them on the worker pool and writes each record to the
destination store. Progress is checkpointed, so a job interrupted by
Ctrl+C or a crash resumes where it stopped.

Examples:
  erpsync batch run erp                          # Batch every record of "erp"
  erpsync batch run erp --batch-size 200 --from 2026-01-01
  erpsync batch status                           # Checkpointed jobs
  erpsync batch resume                           # Finish interrupted jobs`,
}

var batchRunCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Submit a batch job and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchRun,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpointed batch jobs",
	Args:  cobra.NoArgs,
	RunE:  runBatchStatus,
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume batch jobs left unfinished",
	Args:  cobra.NoArgs,
	RunE:  runBatchResume,
}

var (
	batchSize     int
	batchPriority int
	batchFrom     string
	batchTo       string
	batchEntities []string
)

func init() {
	f := batchRunCmd.Flags()
	f.IntVar(&batchSize, "batch-size", 0, "Records per batch (default batch.batch_size)")
	f.IntVar(&batchPriority, "priority", 0, "Higher priorities run first")
	f.StringVar(&batchFrom, "from", "", "Invoice date from (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&batchTo, "to", "", "Invoice date to (YYYY-MM-DD or RFC 3339)")
	f.StringSliceVar(&batchEntities, "entity", nil, "Restrict to these entity ids")

	BatchCmd.AddCommand(batchRunCmd)
	BatchCmd.AddCommand(batchStatusCmd)
	BatchCmd.AddCommand(batchResumeCmd)
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if batchSize < 0 {
		return errors.NewInvalidRequestError("--batch-size must not be negative")
	}
	from, to, err := dateRange(batchFrom, batchTo)
	if err != nil {
		return err
	}

	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	st, err := sourceArg(e, args[0])
	if err != nil {
		return err
	}

	p := e.Batch()
	p.Start()
	defer p.Stop()

	id, err := p.Submit(ctx, batch.Job{
		SourceType: st,
		Filter:     invoice.Filter{DateFrom: from, DateTo: to, EntityIDs: batchEntities},
		BatchSize:  batchSize,
		Priority:   batchPriority,
	})
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Batch job %s on %s...", id, st))
	j, err := p.Wait(ctx, id)
	if err != nil {
		spinner.Warning(fmt.Sprintf("Batch job %s interrupted", id))
		return errors.WithHint(err, "progress is checkpointed; resume with 'erpsync batch resume'")
	}
	return reportBatchJob(spinner, j)
}

func reportBatchJob(spinner *pterm.SpinnerPrinter, j *batch.Job) error {
	msg := fmt.Sprintf("Batch job %s %s: %d/%d records processed, %d failed",
		j.ID, j.Status, j.ProcessedRecords, j.TotalRecords, j.FailedRecords)
	if j.Status != batch.StatusCompleted {
		spinner.Fail(msg)
		for _, e := range j.Errors {
			pterm.Error.Println(e)
		}
		return errors.Newf("batch job %s ended %s", j.ID, j.Status)
	}
	spinner.Success(msg)
	return nil
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	cps, err := e.Checkpoints().List()
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		pterm.Info.Println("No checkpointed batch jobs")
		return nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Metadata.CreatedAt.After(cps[j].Metadata.CreatedAt) })

	data := pterm.TableData{{"Job", "Source", "Status", "Batches", "Progress", "Processed", "Failed", "Checkpoint"}}
	for _, cp := range cps {
		j := cp.Job()
		data = append(data, []string{
			j.ID, string(j.SourceType), string(j.Status),
			fmt.Sprintf("%d/%d", j.CurrentBatch, j.TotalBatches),
			fmt.Sprintf("%.0f%%", j.Progress()),
			fmt.Sprint(j.ProcessedRecords), fmt.Sprint(j.FailedRecords),
			formatTime(&cp.Timestamp),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runBatchResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	spinner, _ := pterm.DefaultSpinner.Start("Resuming batch jobs...")
	jobs, err := e.ResumeBatches(ctx)
	if err != nil {
		spinner.Warning("Interrupted; progress is checkpointed")
		return err
	}
	if len(jobs) == 0 {
		spinner.Info("Nothing to resume")
		return nil
	}
	spinner.Success(fmt.Sprintf("%d batch jobs accounted for", len(jobs)))

	var failed int
	data := pterm.TableData{{"Job", "Source", "Status", "Processed", "Failed"}}
	for _, j := range jobs {
		if j.Status == batch.StatusFailed {
			failed++
		}
		data = append(data, []string{
			j.ID, string(j.SourceType), string(j.Status),
			fmt.Sprintf("%d/%d", j.ProcessedRecords, j.TotalRecords), fmt.Sprint(j.FailedRecords),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Newf("%d batch jobs failed", failed)
	}
	return nil
}
