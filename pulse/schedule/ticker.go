package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/sym"
)

// Start restores persisted jobs, fails executions orphaned by a previous
// process and begins the tick loop. The first tick runs immediately.
// Cancelling ctx has the same effect as Stop without the wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewConflictError("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		return err
	}
	context.AfterFunc(ctx, s.cancel)

	s.loopWG.Add(1)
	go s.run()
	s.pulseLog.Infow("Scheduler started",
		"interval", s.cfg.TickInterval,
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"executors", s.registry.Types(),
	)
	return nil
}

// Stop ends the tick loop and cancels running executions, waiting up to
// the configured stop timeout for them to record their outcome.
func (s *Scheduler) Stop() {
	s.cancel()
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.pulseLog.Infow("Scheduler stopped")
	case <-time.After(s.cfg.StopTimeout):
		s.pulseLog.Warnw("Scheduler stopped with executions still running", "running", s.inFlightCount())
	}
}

// Load reads the persisted job definitions without starting the tick loop,
// so the schedule of a stopped daemon can be inspected and edited.
//
// TODO: a running daemon only sees job documents written by another process
// after a restart; rescan the job store on tick.
func (s *Scheduler) Load() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return errors.NewConflictError("scheduler already started")
	}
	_, err := s.loadJobs()
	return err
}

func (s *Scheduler) loadJobs() (int, error) {
	jobs, err := s.jobs.LoadAll()
	if err != nil {
		if len(jobs) == 0 {
			return 0, errors.Wrap(err, "failed to load scheduled jobs")
		}
		s.pulseLog.Warnw("Some scheduled jobs could not be loaded", logger.FieldError, err)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.State == StateActive && j.NextExecution == nil && j.Schedule.Kind != KindOnce {
			s.advanceLocked(j, now)
			s.persistLocked(j)
		}
		s.defs[j.ID] = j
	}
	return len(jobs), nil
}

func (s *Scheduler) restore(ctx context.Context) error {
	loaded, err := s.loadJobs()
	if err != nil {
		return err
	}
	now := s.now()

	orphaned := 0
	for _, status := range []ExecutionStatus{ExecutionRunning, ExecutionPending} {
		execs, err := s.executions.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, exec := range execs {
			exec.Status = ExecutionFailed
			exec.Error = "interrupted by scheduler restart"
			exec.CompletedAt = &now
			exec.UpdatedAt = now
			if err := s.executions.Update(ctx, exec); err != nil {
				return err
			}
			s.mu.Lock()
			if j, ok := s.defs[exec.JobID]; ok && j.LastExecutionID == exec.ID {
				j.LastStatus = ExecutionFailed
				j.FailureCount++
				s.persistLocked(j)
			}
			s.mu.Unlock()
			orphaned++
		}
	}
	if orphaned > 0 {
		s.pulseLog.Warnw("Marked interrupted executions failed", logger.FieldCount, orphaned)
	}
	s.pulseLog.Infow("Scheduled jobs restored", logger.FieldCount, loaded)
	return nil
}

func (s *Scheduler) run() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(s.now())
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick dispatches every due job in trigger order. Jobs with unmet
// dependencies move DependencyDelay into the future, overlapping firings
// are recorded as skipped and jobs over the concurrency ceiling wait for
// the next tick without moving their trigger.
func (s *Scheduler) tick(now time.Time) {
	var (
		launches []*run
		skipped  []*Execution
	)

	s.mu.Lock()
	s.ticks++
	tickAt := now
	s.lastTickAt = &tickAt

	for _, j := range s.dueLocked(now) {
		if !s.dependenciesMetLocked(j) {
			next := now.Add(s.cfg.DependencyDelay)
			j.NextExecution = &next
			j.UpdatedAt = now
			s.persistLocked(j)
			s.dependencyDeferred++
			s.pulseLog.Infow("Job waiting on dependencies",
				logger.FieldJobID, j.ID,
				logger.FieldNextRunAt, next,
			)
			continue
		}
		if s.running[j.ID] > 0 && !j.AllowOverlap {
			skipped = append(skipped, s.skipLocked(j, now))
			continue
		}
		if s.inFlight >= s.ceiling {
			s.deferred++
			continue
		}
		launches = append(launches, s.beginLocked(j, now, true))
	}
	s.mu.Unlock()

	for _, exec := range skipped {
		if err := s.executions.Create(s.ctx, exec); err != nil {
			s.pulseLog.Errorw("Failed to record skipped execution", logger.FieldJobID, exec.JobID, logger.FieldError, err)
		}
		s.metrics.RecordExecution(string(exec.JobType), string(ExecutionSkipped), 0)
	}
	for _, r := range launches {
		s.launch(s.ctx, r)
	}
	s.logNextJob(now)
}

// dueLocked returns active jobs whose trigger has passed, earliest first.
func (s *Scheduler) dueLocked(now time.Time) []*Job {
	var due []*Job
	for _, j := range s.defs {
		if j.State == StateActive && j.NextExecution != nil && !j.NextExecution.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextExecution.Equal(*due[k].NextExecution) {
			return due[i].NextExecution.Before(*due[k].NextExecution)
		}
		return due[i].ID < due[k].ID
	})
	return due
}

// dependenciesMetLocked reports whether every dependency has finished a
// firing that satisfies its condition. A dependency that is unknown or
// still running is unmet.
func (s *Scheduler) dependenciesMetLocked(j *Job) bool {
	for _, dep := range j.Dependencies {
		d, ok := s.defs[dep.JobID]
		if !ok || s.running[d.ID] > 0 || d.LastExecution == nil {
			return false
		}
		switch dep.Condition {
		case ConditionSuccess:
			if d.LastStatus != ExecutionCompleted {
				return false
			}
		default:
			if !d.LastStatus.Finished() {
				return false
			}
		}
	}
	return true
}

// skipLocked records a firing that was not run because the previous one is
// still in flight, and moves the job to its next trigger.
func (s *Scheduler) skipLocked(j *Job, now time.Time) *Execution {
	scheduled := now
	if j.NextExecution != nil {
		scheduled = *j.NextExecution
	}
	done := now
	exec := &Execution{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		JobType:     j.Type,
		Status:      ExecutionSkipped,
		ScheduledAt: scheduled,
		CompletedAt: &done,
		Error:       "previous execution still running",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.advanceLocked(j, now)
	j.UpdatedAt = now
	s.persistLocked(j)
	s.skipped++

	s.pulseLog.Infow("Skipped overlapping execution",
		logger.FieldJobID, j.ID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldNextRunAt, j.NextExecution,
	)
	return exec
}

// logNextJob logs the next trigger when the in-flight count changed since
// the previous tick.
func (s *Scheduler) logNextJob(now time.Time) {
	s.mu.Lock()
	active := s.inFlight
	changed := active != s.lastLoggedActive
	s.lastLoggedActive = active

	var next *Job
	for _, j := range s.defs {
		if j.State != StateActive || j.NextExecution == nil {
			continue
		}
		if next == nil || j.NextExecution.Before(*next.NextExecution) {
			next = j
		}
	}
	var (
		name  string
		until time.Duration
	)
	if next != nil {
		name = next.Name
		until = next.NextExecution.Sub(now)
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	indicator := ""
	if active > 0 {
		indicator = strings.Repeat(sym.Pulse+" ", min(active, 20))
	}
	if next == nil {
		s.pulseLog.Infow(fmt.Sprintf("%sScheduler - no upcoming executions, %d running", indicator, active))
		return
	}
	if until < 0 {
		until = 0
	}
	s.pulseLog.Infow(fmt.Sprintf("%sScheduler - next execution '%s' in %s, %d running",
		indicator, name, until.Round(time.Second), active))
}
