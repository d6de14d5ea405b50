package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/db"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/internal/util"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/sym"
)

// Config tunes the scheduler.
type Config struct {
	TickInterval      time.Duration // how often due jobs are checked
	MaxConcurrentJobs int           // executions in flight across all jobs
	RetryBase         time.Duration // first retry delay, doubled per attempt
	RetryMax          time.Duration // retry delay cap
	DependencyDelay   time.Duration // deferral when a dependency is unmet
	StopTimeout       time.Duration // how long Stop waits for executions
}

// DefaultConfig returns the standard scheduler settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:      30 * time.Second,
		MaxConcurrentJobs: 10,
		RetryBase:         30 * time.Second,
		RetryMax:          10 * time.Minute,
		DependencyDelay:   60 * time.Second,
		StopTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.DependencyDelay <= 0 {
		c.DependencyDelay = def.DependencyDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Jobs               map[State]int           `json:"jobs"`
	Running            int                     `json:"running"`
	MaxConcurrentJobs  int                     `json:"max_concurrent_jobs"`
	Ticks              int64                   `json:"ticks"`
	LastTickAt         *time.Time              `json:"last_tick_at,omitempty"`
	Dispatched         int64                   `json:"dispatched"`
	Deferred           int64                   `json:"deferred"`
	DependencyDeferred int64                   `json:"dependency_deferred"`
	Skipped            int64                   `json:"skipped"`
	Executions         map[ExecutionStatus]int `json:"executions"`
}

// run is one dispatched execution and the job snapshot it runs with.
type run struct {
	job  *Job
	exec *Execution
}

// Scheduler owns scheduled jobs and dispatches them to executors.
type Scheduler struct {
	cfg        Config
	jobs       *Store
	executions *ExecutionStore
	registry   *Registry
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger
	metrics    *metrics.Collector
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	execWG  sync.WaitGroup
	started bool

	mu       sync.Mutex
	defs     map[string]*Job
	running  map[string]int
	inFlight int
	ceiling  int

	ticks              int64
	lastTickAt         *time.Time
	dispatched         int64
	deferred           int64
	dependencyDeferred int64
	skipped            int64
	lastLoggedActive   int
}

// New creates a scheduler. Jobs are loaded by Start.
func New(cfg Config, jobs *Store, executions *ExecutionStore, registry *Registry, log *zap.SugaredLogger) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.ComponentLogger("schedule")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		executions: executions,
		registry:   registry,
		logger:     log,
		pulseLog:   logger.WithSymbol(log, sym.Pulse),
		now:        time.Now,
		sleep:      sleepContext,
		ctx:        ctx,
		cancel:     cancel,
		defs:       make(map[string]*Job),
		running:    make(map[string]int),
		ceiling:    cfg.MaxConcurrentJobs,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetMetrics attaches a metrics collector.
func (s *Scheduler) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// SetMaxConcurrentJobs adjusts the dispatch ceiling. In-flight executions
// above a lowered ceiling finish normally.
func (s *Scheduler) SetMaxConcurrentJobs(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.ceiling = n
	s.mu.Unlock()
	s.pulseLog.Infow("Scheduler concurrency ceiling updated", "max_concurrent_jobs", n)
}

// Schedule validates, persists and activates a new job. A job submitted
// in the paused state is stored without firing.
func (s *Scheduler) Schedule(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, errors.NewInvalidRequestError("job is nil")
	}
	j := job.clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.State == "" {
		j.State = StateActive
	}
	if j.State != StateActive && j.State != StatePaused {
		return nil, errors.NewInvalidRequestError("new job must be active or paused, got %s", j.State)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.registry.Get(j.Type); !ok {
		return nil, errors.NewInvalidRequestError("no executor registered for job type %s", j.Type)
	}

	now := s.now()
	next, err := j.Schedule.first(now)
	if err != nil {
		return nil, err
	}
	j.NextExecution = next
	j.ExecutionCount, j.SuccessCount, j.FailureCount = 0, 0, 0
	j.LastExecution, j.LastExecutionID, j.LastStatus = nil, "", ""
	j.CreatedAt, j.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[j.ID]; exists {
		return nil, errors.NewConflictError("job %s already exists", j.ID)
	}
	for _, dep := range j.Dependencies {
		if _, ok := s.defs[dep.JobID]; !ok {
			return nil, errors.NewInvalidRequestError("job %q depends on unknown job %s", j.Name, dep.JobID)
		}
	}
	if err := s.jobs.Save(j); err != nil {
		return nil, err
	}
	s.defs[j.ID] = j

	s.pulseLog.Infow("Job scheduled",
		logger.FieldJobID, j.ID,
		logger.FieldJobType, j.Type,
		logger.FieldSourceType, string(j.SourceType),
		"schedule", j.Schedule.Kind,
		logger.FieldNextRunAt, j.NextExecution,
	)
	return j.clone(), nil
}

// Pause stops an active job from firing.
func (s *Scheduler) Pause(id string) error {
	return s.transition(id, func(j *Job, _ time.Time) error {
		if j.State != StateActive {
			return errors.NewConflictError("job %s is %s, not active", id, j.State)
		}
		j.State = StatePaused
		return nil
	})
}

// Resume reactivates a paused job. A trigger missed while paused is
// replaced by the next one from now, except for one-shot jobs which fire
// on the next tick.
func (s *Scheduler) Resume(id string) error {
	return s.transition(id, func(j *Job, now time.Time) error {
		if j.State != StatePaused {
			return errors.NewConflictError("job %s is %s, not paused", id, j.State)
		}
		j.State = StateActive
		if j.Schedule.Kind != KindOnce && (j.NextExecution == nil || j.NextExecution.Before(now)) {
			next, err := j.Schedule.Next(now)
			if err != nil {
				return err
			}
			j.NextExecution = next
		}
		return nil
	})
}

// Unschedule disables a job permanently. Its definition and history stay
// available for inspection.
func (s *Scheduler) Unschedule(id string) error {
	return s.transition(id, func(j *Job, _ time.Time) error {
		j.State = StateDisabled
		j.NextExecution = nil
		return nil
	})
}

func (s *Scheduler) transition(id string, fn func(j *Job, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.defs[id]
	if !ok {
		return errors.NewNotFoundError("scheduled job %s", id)
	}
	now := s.now()
	updated := j.clone()
	if err := fn(updated, now); err != nil {
		return err
	}
	updated.UpdatedAt = now
	if err := s.jobs.Save(updated); err != nil {
		return err
	}
	s.defs[id] = updated
	s.pulseLog.Infow("Job state changed", logger.FieldJobID, id, logger.FieldStatus, updated.State)
	return nil
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.defs[id]
	if !ok {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	return j.clone(), nil
}

// List returns copies of all jobs ordered by creation time.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.defs))
	for _, j := range s.defs {
		out = append(out, j.clone())
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Executions returns a job's execution history, newest first.
func (s *Scheduler) Executions(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	return s.executions.List(ctx, id, limit)
}

// TriggerNow dispatches a job immediately without moving its schedule.
// It returns the execution id.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	j, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return "", errors.NewNotFoundError("scheduled job %s", id)
	}
	if j.State.Terminal() {
		s.mu.Unlock()
		return "", errors.NewConflictError("job %s is %s", id, j.State)
	}
	if s.running[id] > 0 && !j.AllowOverlap {
		s.mu.Unlock()
		return "", errors.NewConflictError("job %s is already running", id)
	}
	if s.inFlight >= s.ceiling {
		s.mu.Unlock()
		return "", errors.Wrapf(errors.ErrServiceUnavailable, "concurrency ceiling of %d reached", s.ceiling)
	}
	r := s.beginLocked(j, s.now(), false)
	s.mu.Unlock()

	s.launch(ctx, r)
	return r.exec.ID, nil
}

// Stats reports job states, dispatch counters and execution totals.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	st := Stats{
		Jobs:               make(map[State]int),
		Running:            s.inFlight,
		MaxConcurrentJobs:  s.ceiling,
		Ticks:              s.ticks,
		Dispatched:         s.dispatched,
		Deferred:           s.deferred,
		DependencyDeferred: s.dependencyDeferred,
		Skipped:            s.skipped,
	}
	if s.lastTickAt != nil {
		t := *s.lastTickAt
		st.LastTickAt = &t
	}
	for _, j := range s.defs {
		st.Jobs[j.State]++
	}
	s.mu.Unlock()

	counts, err := s.executions.CountByStatus(ctx)
	if err != nil {
		return st, err
	}
	st.Executions = counts
	return st, nil
}

// CleanupExecutions prunes finished executions older than olderThan.
func (s *Scheduler) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.executions.Prune(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.pulseLog.Infow("Pruned execution history", logger.FieldCount, n)
	}
	return n, nil
}

// beginLocked records the dispatch on the job and returns the run to
// launch. advance moves the job to its next trigger.
func (s *Scheduler) beginLocked(j *Job, now time.Time, advance bool) *run {
	scheduled := now
	if advance && j.NextExecution != nil {
		scheduled = *j.NextExecution
	}
	started := now
	exec := &Execution{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		JobType:     j.Type,
		Status:      ExecutionRunning,
		ScheduledAt: scheduled,
		StartedAt:   &started,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	j.ExecutionCount++
	j.LastExecution = &started
	j.LastExecutionID = exec.ID
	j.LastStatus = ExecutionRunning
	j.UpdatedAt = now
	if advance {
		s.advanceLocked(j, now)
	}
	s.persistLocked(j)

	s.running[j.ID]++
	s.inFlight++
	s.dispatched++
	return &run{job: j.clone(), exec: exec}
}

// advanceLocked moves a job to its next trigger after now.
func (s *Scheduler) advanceLocked(j *Job, now time.Time) {
	next, err := j.Schedule.Next(now)
	if err != nil {
		s.pulseLog.Errorw("Failed to compute next trigger", logger.FieldJobID, j.ID, logger.FieldError, err)
		next = nil
	}
	j.NextExecution = next
}

func (s *Scheduler) persistLocked(j *Job) {
	if err := s.jobs.Save(j); err != nil {
		s.pulseLog.Errorw("Failed to persist job", logger.FieldJobID, j.ID, logger.FieldError, err)
	}
}

// launch records the execution row and starts the run.
func (s *Scheduler) launch(ctx context.Context, r *run) {
	if err := s.executions.Create(ctx, r.exec); err != nil {
		s.pulseLog.Errorw("Failed to record execution",
			logger.FieldJobID, r.job.ID,
			logger.FieldExecutionID, r.exec.ID,
			logger.FieldError, err,
		)
	}
	s.metrics.SetSchedulerRunning(s.inFlightCount())
	s.execWG.Add(1)
	go s.execute(r)
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// execute runs the attempts of one execution.
func (s *Scheduler) execute(r *run) {
	defer s.execWG.Done()
	job, exec := r.job, r.exec
	log := s.pulseLog.With(
		logger.FieldJobID, job.ID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldJobType, job.Type,
	)
	log.Infow("Execution started", "name", job.Name)

	executor, ok := s.registry.Get(job.Type)
	if !ok {
		s.finish(log, r, ExecutionFailed, "", errors.Newf("no executor registered for job type %s", job.Type))
		return
	}

	var (
		result string
		err    error
		status ExecutionStatus
	)
	for attempt := 0; ; attempt++ {
		exec.RetryCount = attempt
		result, err = s.attempt(executor, job)
		if err == nil {
			status = ExecutionCompleted
			break
		}
		if s.ctx.Err() != nil {
			status = ExecutionCancelled
			break
		}
		if attempt >= job.MaxRetries {
			status = ExecutionFailed
			break
		}
		delay := s.backoff(attempt)
		log.Warnw("Execution attempt failed",
			logger.FieldAttempt, attempt+1,
			"retry_in", delay,
			logger.FieldError, err,
		)
		if s.sleep(s.ctx, delay) != nil {
			status = ExecutionCancelled
			break
		}
	}
	s.finish(log, r, status, result, err)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	return util.Backoff(s.cfg.RetryBase, s.cfg.RetryMax, attempt)
}

// attempt runs the executor once, bounded by the job timeout. A panicking
// executor fails the attempt.
func (s *Scheduler) attempt(executor Executor, job *Job) (result string, err error) {
	ctx := logger.WithJobID(s.ctx, job.ID)
	if timeout := job.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("executor panicked: %v", p)
		}
	}()
	result, err = executor.Execute(ctx, job)
	if err != nil {
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
	}
	return result, err
}

func (s *Scheduler) finish(log *zap.SugaredLogger, r *run, status ExecutionStatus, result string, runErr error) {
	job, exec := r.job, r.exec
	now := s.now()
	elapsed := now.Sub(*exec.StartedAt)
	ms := elapsed.Milliseconds()

	exec.Status = status
	exec.CompletedAt = &now
	exec.DurationMS = &ms
	exec.Result = result
	if runErr != nil && status != ExecutionCompleted {
		exec.Error = runErr.Error()
	}
	exec.UpdatedAt = now
	if err := s.executions.Update(context.Background(), exec); err != nil {
		if db.IsClosed(err) {
			log.Warnw("Execution finished after the database closed", "status", status)
		} else {
			log.Errorw("Failed to update execution", logger.FieldError, err)
		}
	}

	s.mu.Lock()
	s.running[job.ID]--
	if s.running[job.ID] <= 0 {
		delete(s.running, job.ID)
	}
	s.inFlight--
	inFlight := s.inFlight
	if live, ok := s.defs[job.ID]; ok {
		switch status {
		case ExecutionCompleted:
			live.SuccessCount++
		case ExecutionFailed:
			live.FailureCount++
		}
		live.LastStatus = status
		live.UpdatedAt = now
		if live.Schedule.Kind == KindOnce && live.State == StateActive && live.NextExecution == nil && s.running[job.ID] == 0 {
			switch status {
			case ExecutionCompleted:
				live.State = StateCompleted
			case ExecutionFailed:
				live.State = StateFailed
			case ExecutionCancelled:
				// fire again after a restart
				at := exec.ScheduledAt
				live.NextExecution = &at
			}
		}
		s.persistLocked(live)
	}
	s.mu.Unlock()

	s.metrics.RecordExecution(string(job.Type), string(status), elapsed)
	s.metrics.SetSchedulerRunning(inFlight)

	switch status {
	case ExecutionCompleted:
		log.Infow("Execution completed", logger.FieldDurationMS, ms, "result", result, "retries", exec.RetryCount)
	case ExecutionCancelled:
		log.Warnw("Execution cancelled", logger.FieldDurationMS, ms, "retries", exec.RetryCount)
	default:
		log.Errorw("Execution failed",
			logger.FieldDurationMS, ms,
			"retries", exec.RetryCount,
			logger.FieldError, runErr,
			"details", errors.GetAllDetails(runErr),
		)
	}
}
