package engine

import (
	"context"
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/pulse/batch"
	"github.com/teranos/erpsync/pulse/schedule"
)

// executionPoll is how often RunJob looks for the execution's outcome.
const executionPoll = 100 * time.Millisecond

// RunJob fires a scheduled job once in this process and waits for the
// execution to finish. The scheduler's tick loop is not started, so no
// other job fires meanwhile.
func (e *Engine) RunJob(ctx context.Context, id string) (*schedule.Execution, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		return nil, errors.NewConflictError("engine is running; trigger the job through its scheduler")
	}

	if err := e.scheduler.Load(); err != nil {
		return nil, err
	}
	e.batch.Start()
	defer e.batch.Stop()

	execID, err := e.scheduler.TriggerNow(ctx, id)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(executionPoll)
	defer ticker.Stop()
	for {
		execs, err := e.scheduler.Executions(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		for _, x := range execs {
			if x.ID == execID && x.Status.Finished() {
				return x, nil
			}
		}
		select {
		case <-ctx.Done():
			e.scheduler.Stop()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResumeBatches starts the batch processor, which requeues every job with
// an unfinished checkpoint, and waits for those jobs to end. Jobs left
// paused are not waited for.
func (e *Engine) ResumeBatches(ctx context.Context) ([]*batch.Job, error) {
	e.batch.Start()
	defer e.batch.Stop()

	var out []*batch.Job
	for _, j := range e.batch.Jobs() {
		if j.Status.Terminal() || j.Status == batch.StatusPaused {
			out = append(out, j)
			continue
		}
		done, err := e.batch.Wait(ctx, j.ID)
		if err != nil {
			return out, err
		}
		out = append(out, done)
	}
	return out, nil
}
