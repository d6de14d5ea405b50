package batch

import (
	"context"
	"sort"
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/internal/util"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
)

// errInterrupted reports a batch abandoned because the processor is
// stopping. The batch is redone when the job is picked up again.
var errInterrupted = errors.New("batch interrupted by shutdown")

type batchOutcome struct {
	processed int
	failed    int
	problems  []string
}

// worker takes jobs from the queue until the processor stops.
func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		for p.processNext(ctx, id) {
		}
	}
}

// processNext runs the highest-priority queued job, if a processing slot
// is free. Returns false when there was nothing to do.
func (p *Processor) processNext(ctx context.Context, workerID int) bool {
	if ctx.Err() != nil {
		return false
	}

	p.mu.Lock()
	if p.inFlight >= p.maxJobs {
		p.mu.Unlock()
		return false
	}
	id, ok := p.queue.pop()
	if !ok {
		p.mu.Unlock()
		return false
	}
	e, known := p.jobs[id]
	if !known || e.job.Status != StatusQueued {
		p.mu.Unlock()
		return true
	}
	p.inFlight++
	e.job.Status = StatusProcessing
	if e.job.StartedAt == nil {
		now := p.now()
		e.job.StartedAt = &now
	}
	if p.queue.Len() > 0 && p.inFlight < p.maxJobs {
		p.signal()
	}
	p.mu.Unlock()
	defer p.releaseSlot()

	p.publishActive()
	p.runJob(ctx, e, workerID)
	return true
}

// releaseSlot frees a processing slot and wakes a worker for the queue.
func (p *Processor) releaseSlot() {
	p.mu.Lock()
	p.inFlight--
	if p.queue.Len() > 0 {
		p.signal()
	}
	p.mu.Unlock()
}

// runJob works through the remaining batches of a job. Pause, cancel and
// shutdown are checked between batches.
func (p *Processor) runJob(ctx context.Context, e *entry, workerID int) {
	log := p.logger.With(
		logger.FieldJobID, e.job.ID,
		logger.FieldSourceType, string(e.job.SourceType),
		"worker_id", workerID,
	)
	log.Infow("Batch job processing",
		logger.FieldBatch, e.job.CurrentBatch,
		"total_batches", e.job.TotalBatches,
	)

	sess, err := p.coord.Open(ctx, e.job.SourceType)
	if err != nil {
		if ctx.Err() != nil {
			p.requeue(e)
			return
		}
		p.failJob(e, errors.WithDetail(errors.Wrap(err, "failed to connect to source"), "Job ID: "+e.job.ID))
		return
	}
	defer sess.Close(ctx)

	for {
		p.mu.Lock()
		j := e.job
		switch {
		case ctx.Err() != nil:
			p.mu.Unlock()
			p.requeue(e)
			return
		case e.cancelRequested:
			now := p.now()
			j.Status = StatusCancelled
			j.CompletedAt = &now
			cp := checkpointOf(j, now)
			p.mu.Unlock()
			p.saveQuietly(cp)
			log.Infow("Batch job cancelled", logger.FieldBatch, cp.CurrentBatch)
			p.finish(e, StatusCancelled)
			return
		case e.pauseRequested:
			e.pauseRequested = false
			j.Status = StatusPaused
			cp := checkpointOf(j, p.now())
			p.mu.Unlock()
			p.saveQuietly(cp)
			p.metrics.RecordBatchJob(string(StatusPaused))
			p.publishActive()
			log.Infow("Batch job paused", logger.FieldBatch, cp.CurrentBatch)
			return
		case j.CurrentBatch >= j.TotalBatches:
			now := p.now()
			j.Status = StatusCompleted
			j.CompletedAt = &now
			cp := checkpointOf(j, now)
			throughput := j.Throughput(now)
			p.mu.Unlock()
			if err := p.checkpoints.Save(cp); err != nil {
				p.failJob(e, errors.WithDetail(errors.Wrap(err, "final checkpoint"), "Job ID: "+j.ID))
				return
			}
			log.Infow("Batch job completed",
				logger.FieldProcessed, cp.ProcessedRecords,
				logger.FieldFailed, cp.FailedRecords,
				"throughput", throughput,
			)
			p.finish(e, StatusCompleted)
			return
		}
		b, size, total, filter := j.CurrentBatch, j.BatchSize, j.TotalRecords, j.Filter
		p.mu.Unlock()

		out, err := p.processBatch(ctx, sess, filter, b, size, total)
		if errors.Is(err, errInterrupted) {
			continue
		}

		p.mu.Lock()
		j.ProcessedRecords += out.processed
		j.FailedRecords += out.failed
		for _, msg := range out.problems {
			p.addError(j, msg)
		}
		if err != nil {
			p.addError(j, err.Error())
		}
		j.CurrentBatch = b + 1
		var cp *Checkpoint
		if j.CurrentBatch%p.cfg.CheckpointInterval == 0 && j.CurrentBatch < j.TotalBatches {
			cp = checkpointOf(j, p.now())
		}
		p.mu.Unlock()

		p.metrics.RecordBatchRecords(out.processed, out.failed)
		if err != nil {
			log.Warnw("Batch failed",
				logger.FieldBatch, b,
				logger.FieldFailed, out.failed,
				logger.FieldError, err,
			)
		} else {
			log.Debugw("Batch processed",
				logger.FieldBatch, b,
				logger.FieldProcessed, out.processed,
				logger.FieldFailed, out.failed,
			)
		}

		if cp != nil {
			if err := p.checkpoints.Save(cp); err != nil {
				p.failJob(e, errors.WithDetail(errors.Wrap(err, "checkpoint write failed"), "Job ID: "+j.ID))
				return
			}
		}
	}
}

// requeue puts a job interrupted by shutdown back on the queue, keeping
// the progress of its completed batches.
func (p *Processor) requeue(e *entry) {
	p.mu.Lock()
	p.enqueue(e.job)
	cp := checkpointOf(e.job, p.now())
	p.mu.Unlock()

	p.saveQuietly(cp)
	p.logger.Closing("Batch job interrupted, re-queued with checkpoint",
		logger.FieldJobID, cp.JobID,
		logger.FieldBatch, cp.CurrentBatch,
	)
}

// processBatch extracts one batch and hands every valid record to the sink.
// A batch whose extraction keeps failing counts all its records as failed.
func (p *Processor) processBatch(ctx context.Context, sess *extract.Session, filter invoice.Filter, b, size, total int) (batchOutcome, error) {
	expected := total - b*size
	if expected > size {
		expected = size
	}
	if expected < 0 {
		expected = 0
	}

	page := filter.WithPage(b*size, size)
	var records []invoice.Data
	for attempt := 0; ; attempt++ {
		var err error
		records, err = sess.Extract(ctx, page)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return batchOutcome{}, errInterrupted
		}
		if !source.IsRetryable(err) || attempt >= p.cfg.RetryAttempts {
			return batchOutcome{failed: expected}, errors.Wrapf(err, "batch %d", b)
		}

		delay := util.Backoff(p.cfg.RetryBase, p.cfg.RetryMax, attempt)
		p.logger.Warnw("Batch extraction failed, retrying",
			logger.FieldBatch, b,
			logger.FieldAttempt, attempt+1,
			logger.FieldErrorKind, source.Classify(err),
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return batchOutcome{}, errInterrupted
		}
	}

	var out batchOutcome
	for i := range records {
		if err := records[i].Validate(); err != nil {
			out.failed++
			out.problems = append(out.problems, err.Error())
			continue
		}
		if p.sink != nil {
			if err := p.sink.Consume(ctx, sess.SourceType(), &records[i]); err != nil {
				if ctx.Err() != nil {
					return batchOutcome{}, errInterrupted
				}
				out.failed++
				out.problems = append(out.problems, errors.Wrapf(err, "record %s", records[i].ID).Error())
				continue
			}
		}
		out.processed++
	}
	return out, nil
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
