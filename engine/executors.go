package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/pulse/batch"
	"github.com/teranos/erpsync/pulse/schedule"
	"github.com/teranos/erpsync/reconcile"
)

// ExtractionJobConfig is the config of a full_extraction job.
type ExtractionJobConfig struct {
	Filter invoice.Filter `json:"filter"`
	// Store upserts extracted records into the destination; default true.
	Store *bool `json:"store,omitempty"`
}

// SyncJobConfig is the config of an incremental_sync job.
type SyncJobConfig struct {
	ForceFull bool `json:"force_full"`
}

// BatchJobConfig is the config of a batch_processing job.
type BatchJobConfig struct {
	Filter    invoice.Filter `json:"filter"`
	BatchSize int            `json:"batch_size,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// ReconcileJobConfig is the config of a data_reconciliation job.
type ReconcileJobConfig struct {
	Checks      []reconcile.CheckType `json:"checks,omitempty"`
	DateFrom    *time.Time            `json:"date_from,omitempty"`
	DateTo      *time.Time            `json:"date_to,omitempty"`
	EntityIDs   []string              `json:"entity_ids,omitempty"`
	AutoCorrect *bool                 `json:"auto_correct,omitempty"`
}

// CleanupJobConfig is the config of a cleanup job.
type CleanupJobConfig struct {
	// RetentionDays overrides pulse.retention_days.
	RetentionDays int `json:"retention_days,omitempty"`
}

func (e *Engine) registerExecutors(r *schedule.Registry) error {
	for t, fn := range map[schedule.JobType]schedule.ExecutorFunc{
		schedule.JobFullExtraction:     e.runFullExtraction,
		schedule.JobIncrementalSync:    e.runIncrementalSync,
		schedule.JobBatchProcessing:    e.runBatchProcessing,
		schedule.JobDataReconciliation: e.runReconciliation,
		schedule.JobCleanup:            e.runCleanup,
		schedule.JobHealthCheck:        e.runHealthCheck,
	} {
		if err := r.Register(t, fn); err != nil {
			return err
		}
	}
	return nil
}

// checkJobConfig decodes job's config into the struct of its type and
// rejects what the executor would reject on every attempt.
func (e *Engine) checkJobConfig(job *schedule.Job) error {
	if job.SourceType != "" {
		if _, err := e.coord.Adapter(job.SourceType); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "job %q: %v", job.Name, err)
		}
	}

	switch job.Type {
	case schedule.JobFullExtraction:
		var c ExtractionJobConfig
		if err := job.DecodeConfig(&c); err != nil {
			return err
		}
		return c.Filter.Validate()
	case schedule.JobIncrementalSync:
		var c SyncJobConfig
		return job.DecodeConfig(&c)
	case schedule.JobBatchProcessing:
		var c BatchJobConfig
		if err := job.DecodeConfig(&c); err != nil {
			return err
		}
		if c.BatchSize < 0 {
			return errors.NewInvalidRequestError("job %q: batch_size must not be negative", job.Name)
		}
		return c.Filter.Validate()
	case schedule.JobDataReconciliation:
		var c ReconcileJobConfig
		if err := job.DecodeConfig(&c); err != nil {
			return err
		}
		for _, check := range c.Checks {
			if !check.Valid() {
				return errors.NewInvalidRequestError("job %q: unknown check %q", job.Name, check)
			}
		}
		if c.DateFrom != nil && c.DateTo != nil && c.DateFrom.After(*c.DateTo) {
			return errors.NewInvalidRequestError("job %q: date_from is after date_to", job.Name)
		}
	case schedule.JobCleanup:
		var c CleanupJobConfig
		if err := job.DecodeConfig(&c); err != nil {
			return err
		}
		if c.RetentionDays < 0 {
			return errors.NewInvalidRequestError("job %q: retention_days must not be negative", job.Name)
		}
	}
	return nil
}

// Schedule validates a job against the registered sources and its type's
// config, then hands it to the scheduler.
func (e *Engine) Schedule(ctx context.Context, job *schedule.Job) (*schedule.Job, error) {
	if err := e.checkJobConfig(job); err != nil {
		return nil, err
	}
	return e.scheduler.Schedule(ctx, job)
}

func (e *Engine) runFullExtraction(ctx context.Context, job *schedule.Job) (string, error) {
	var c ExtractionJobConfig
	if err := job.DecodeConfig(&c); err != nil {
		return "", err
	}

	res, records, err := e.coord.ExtractAll(ctx, job.SourceType, c.Filter)
	if err != nil {
		return "", err
	}
	if c.Store != nil && !*c.Store {
		return fmt.Sprintf("extracted %d records, %d invalid", res.ExtractedRecords, res.FailedRecords), nil
	}

	log := logger.FromContext(logger.WithSourceType(ctx, string(job.SourceType)), e.logger)
	stored, failed := 0, 0
	for i := range records {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrapf(err, "stored %d of %d records", stored, len(records))
		}
		if err := e.store.Upsert(ctx, job.SourceType, &records[i]); err != nil {
			failed++
			log.Warnw("Failed to store extracted record",
				logger.FieldRecordID, records[i].ID,
				logger.FieldError, err,
			)
			continue
		}
		stored++
	}
	if failed > 0 && stored == 0 {
		return "", errors.Newf("none of %d extracted records could be stored", failed)
	}
	return fmt.Sprintf("extracted %d records, %d invalid, stored %d, %d store failures",
		res.ExtractedRecords, res.FailedRecords, stored, failed), nil
}

func (e *Engine) runIncrementalSync(ctx context.Context, job *schedule.Job) (string, error) {
	var c SyncJobConfig
	if err := job.DecodeConfig(&c); err != nil {
		return "", err
	}
	res, err := e.sync.Run(ctx, job.SourceType, c.ForceFull)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s sync: %d created, %d updated, %d deleted, %d moved, %d skipped, %d conflicts, %d failed",
		res.Mode, res.Created, res.Updated, res.Deleted, res.Moved, res.Skipped, res.Conflicts, res.Failed), nil
}

func (e *Engine) runBatchProcessing(ctx context.Context, job *schedule.Job) (string, error) {
	var c BatchJobConfig
	if err := job.DecodeConfig(&c); err != nil {
		return "", err
	}

	id, err := e.batch.Submit(ctx, batch.Job{
		SourceType: job.SourceType,
		Filter:     c.Filter,
		BatchSize:  c.BatchSize,
		Priority:   c.Priority,
	})
	if err != nil {
		return "", err
	}

	bj, err := e.batch.Wait(ctx, id)
	if err != nil {
		// A timed-out attempt gives up its batch job. On shutdown the job is
		// left to checkpoint and resume with the processor.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.batch.Cancel(id)
		}
		return "", errors.Wrapf(err, "waiting for batch job %s", id)
	}

	summary := fmt.Sprintf("batch job %s %s: %d/%d records processed, %d failed",
		bj.ID, bj.Status, bj.ProcessedRecords, bj.TotalRecords, bj.FailedRecords)
	if bj.Status != batch.StatusCompleted {
		err := errors.Newf("batch job %s ended %s", bj.ID, bj.Status)
		if len(bj.Errors) > 0 {
			err = errors.WithDetail(err, bj.Errors[len(bj.Errors)-1])
		}
		return summary, err
	}
	return summary, nil
}

func (e *Engine) runReconciliation(ctx context.Context, job *schedule.Job) (string, error) {
	var c ReconcileJobConfig
	if err := job.DecodeConfig(&c); err != nil {
		return "", err
	}
	res, err := e.reconciler.Run(ctx, reconcile.Request{
		SourceType:  job.SourceType,
		Checks:      c.Checks,
		DateFrom:    c.DateFrom,
		DateTo:      c.DateTo,
		EntityIDs:   c.EntityIDs,
		AutoCorrect: c.AutoCorrect,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reconciliation %s: %d records checked, %d discrepancies (%d error, %d warning), %d corrected",
		res.ID, res.RecordsChecked, res.Summary.Total,
		res.Summary.BySeverity[reconcile.SeverityError], res.Summary.BySeverity[reconcile.SeverityWarning],
		res.CorrectionsApplied), nil
}

// CleanupReport counts what one cleanup pass removed.
type CleanupReport struct {
	Executions      int `json:"executions"`
	Checkpoints     int `json:"checkpoints"`
	Extractions     int `json:"extractions"`
	SyncResults     int `json:"sync_results"`
	Reconciliations int `json:"reconciliations"`
}

// Cleanup expires execution history, checkpoints of finished batch jobs and
// retained run results older than retention. Every kind is attempted even
// when an earlier one fails.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (CleanupReport, error) {
	var (
		rep  CleanupReport
		errs error
		err  error
	)
	if rep.Executions, err = e.scheduler.CleanupExecutions(ctx, retention); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "executions"))
	}
	if rep.Checkpoints, err = e.batch.CleanupCheckpoints(retention); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "checkpoints"))
	}
	rep.Extractions = e.coord.CleanupResults(retention)
	rep.SyncResults = e.sync.CleanupResults(retention)
	rep.Reconciliations = e.reconciler.CleanupResults(retention)

	e.logger.Infow("Cleanup finished",
		"retention_days", int(retention/(24*time.Hour)),
		"executions", rep.Executions,
		"checkpoints", rep.Checkpoints,
		"extractions", rep.Extractions,
		"sync_results", rep.SyncResults,
		"reconciliations", rep.Reconciliations,
	)
	return rep, errs
}

func (e *Engine) runCleanup(ctx context.Context, job *schedule.Job) (string, error) {
	var c CleanupJobConfig
	if err := job.DecodeConfig(&c); err != nil {
		return "", err
	}
	days := c.RetentionDays
	if days <= 0 {
		days = e.cfg.Pulse.RetentionDays
	}
	if days <= 0 {
		days = 30
	}

	rep, err := e.Cleanup(ctx, time.Duration(days)*24*time.Hour)
	summary := fmt.Sprintf("removed %d executions, %d checkpoints, %d extraction, %d sync and %d reconciliation results",
		rep.Executions, rep.Checkpoints, rep.Extractions, rep.SyncResults, rep.Reconciliations)
	return summary, err
}

func (e *Engine) runHealthCheck(ctx context.Context, _ *schedule.Job) (string, error) {
	rep := e.Health(ctx)
	summary := rep.Summary()
	if !rep.Healthy() {
		return summary, errors.Newf("unhealthy sources: %v", rep.Unhealthy())
	}
	return summary, nil
}
