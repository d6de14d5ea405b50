package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/internal/sysinfo"
	"github.com/teranos/erpsync/internal/util"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
)

// RecordSink receives every valid record a batch job extracts.
type RecordSink interface {
	Consume(ctx context.Context, sourceType source.Type, record *invoice.Data) error
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(ctx context.Context, sourceType source.Type, record *invoice.Data) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, sourceType source.Type, record *invoice.Data) error {
	return f(ctx, sourceType, record)
}

// Config contains configuration for the processor
type Config struct {
	Workers            int           `json:"workers"`             // worker goroutines
	MaxConcurrentJobs  int           `json:"max_concurrent_jobs"` // permits, independent of Workers
	BatchSize          int           `json:"batch_size"`          // default when a job sets none
	CheckpointInterval int           `json:"checkpoint_interval"` // batches between checkpoints
	RetryAttempts      int           `json:"retry_attempts"`      // retries of a retryable batch extraction
	RetryBase          time.Duration `json:"retry_base"`          // first retry delay, doubled per attempt
	RetryMax           time.Duration `json:"retry_max"`           // retry delay cap
	PollInterval       time.Duration `json:"poll_interval"`       // idle worker poll
	MaxErrors          int           `json:"max_errors"`          // error entries kept per job
	MemoryWarnPercent  float64       `json:"memory_warn_percent"` // host memory use that triggers a start warning
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:            5,
		MaxConcurrentJobs:  3,
		BatchSize:          1000,
		CheckpointInterval: 100,
		RetryAttempts:      2,
		RetryBase:          time.Second,
		RetryMax:           30 * time.Second,
		PollInterval:       time.Second,
		MaxErrors:          100,
		MemoryWarnPercent:  90,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = def.MaxErrors
	}
	if c.MemoryWarnPercent <= 0 {
		c.MemoryWarnPercent = def.MemoryWarnPercent
	}
	return c
}

// pulseLogger distinguishes opening (✿) and closing (❀) events from
// general processor output.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// entry is the processor's handle on one job. pause and cancel requests on
// a processing job are honoured by its worker between batches.
type entry struct {
	job             *Job
	pauseRequested  bool
	cancelRequested bool
	done            chan struct{}
}

// Processor runs batch jobs on a worker pool.
type Processor struct {
	coord       *extract.Coordinator
	sink        RecordSink
	checkpoints CheckpointStore
	cfg         Config
	logger      pulseLogger
	metrics     *metrics.Collector
	now         func() time.Time

	mu    sync.Mutex
	jobs  map[string]*entry
	queue priorityQueue
	seq   uint64
	wake  chan struct{}

	// inFlight jobs hold a processing slot; at most maxJobs at a time.
	inFlight int
	maxJobs  int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewProcessor creates a processor. sink may be nil, in which case valid
// records are counted as processed and dropped.
func NewProcessor(coord *extract.Coordinator, sink RecordSink, checkpoints CheckpointStore, cfg Config, log *zap.SugaredLogger) *Processor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.ComponentLogger("batch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // not running until Start
	return &Processor{
		coord:       coord,
		sink:        sink,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      pulseLogger{logger.WithSymbol(log, sym.Batch)},
		now:         time.Now,
		jobs:        make(map[string]*entry),
		maxJobs:     cfg.MaxConcurrentJobs,
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMetrics attaches a metrics collector.
func (p *Processor) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// SetClock overrides the clock used for timestamps and throughput.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// SetMaxConcurrentJobs changes the number of jobs that may process at once.
// Lowering it lets processing jobs finish; no new job starts until the
// count drops below n.
func (p *Processor) SetMaxConcurrentJobs(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.maxJobs {
		return
	}
	p.maxJobs = n
	p.logger.Infow("Batch concurrency changed", "max_concurrent_jobs", n)
	p.signal()
}

// Submit counts the records job addresses, splits them into batches and
// queues the job. The returned id is valid even when err is not nil: a job
// whose count fails is recorded as failed.
func (p *Processor) Submit(ctx context.Context, job Job) (string, error) {
	if job.SourceType == "" {
		return "", errors.NewInvalidRequestError("batch job requires a source type")
	}
	if _, err := p.coord.Adapter(job.SourceType); err != nil {
		return "", err
	}
	if err := job.Filter.Validate(); err != nil {
		return "", err
	}
	if job.BatchSize < 0 {
		return "", errors.NewInvalidRequestError("batch size must not be negative, got %d", job.BatchSize)
	}
	if job.BatchSize == 0 {
		job.BatchSize = p.cfg.BatchSize
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	j := &Job{
		ID:         job.ID,
		SourceType: job.SourceType,
		Filter:     job.Filter.WithPage(0, 0),
		Priority:   job.Priority,
		BatchSize:  job.BatchSize,
		Status:     StatusPending,
		CreatedAt:  p.now(),
	}
	e := &entry{job: j, done: make(chan struct{})}

	p.mu.Lock()
	if _, exists := p.jobs[j.ID]; exists {
		p.mu.Unlock()
		return "", errors.NewConflictError("batch job %s already exists", j.ID)
	}
	p.jobs[j.ID] = e
	p.mu.Unlock()

	log := p.logger.With(logger.FieldJobID, j.ID, logger.FieldSourceType, string(j.SourceType))

	total, err := p.coord.Count(ctx, j.SourceType, j.Filter)
	if err != nil {
		err = errors.WithDetail(errors.Wrap(err, "failed to count records"), "Job ID: "+j.ID)
		p.failJob(e, err)
		return j.ID, err
	}

	p.mu.Lock()
	j.TotalRecords = total
	j.TotalBatches = util.CeilDiv(total, j.BatchSize)
	if j.TotalBatches == 0 {
		now := p.now()
		j.Status = StatusCompleted
		j.StartedAt = &now
		j.CompletedAt = &now
	} else {
		j.Status = StatusQueued
	}
	cp := checkpointOf(j, p.now())
	p.mu.Unlock()

	if err := p.checkpoints.Save(cp); err != nil {
		err = errors.WithDetail(err, "Job ID: "+j.ID)
		p.failJob(e, err)
		return j.ID, err
	}

	if j.TotalBatches == 0 {
		log.Infow("Batch job has no records", logger.FieldStatus, StatusCompleted)
		p.finish(e, StatusCompleted)
		return j.ID, nil
	}

	p.mu.Lock()
	p.enqueue(j)
	p.mu.Unlock()

	log.Infow("Batch job queued",
		logger.FieldTotalCount, total,
		"total_batches", j.TotalBatches,
		logger.FieldBatchSize, j.BatchSize,
		"priority", j.Priority,
	)
	return j.ID, nil
}

// enqueue pushes j onto the queue and wakes a worker. Caller holds p.mu.
func (p *Processor) enqueue(j *Job) {
	j.Status = StatusQueued
	p.seq++
	p.queue.push(j.ID, j.Priority, p.seq)
	p.signal()
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Status returns a copy of the job with the given id.
func (p *Processor) Status(id string) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("batch job %s", id)
	}
	return e.job.clone(), nil
}

// Jobs returns copies of every known job, oldest first.
func (p *Processor) Jobs() []*Job {
	p.mu.Lock()
	out := make([]*Job, 0, len(p.jobs))
	for _, e := range p.jobs {
		out = append(out, e.job.clone())
	}
	p.mu.Unlock()
	sortJobs(out)
	return out
}

// Cancel stops a job. Queued and paused jobs are cancelled at once; a
// processing job stops after its current batch. Returns false when the job
// is unknown or already finished.
func (p *Processor) Cancel(id string) bool {
	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok || e.job.Status.Terminal() {
		p.mu.Unlock()
		return false
	}
	if e.job.Status == StatusProcessing {
		e.cancelRequested = true
		p.mu.Unlock()
		return true
	}
	p.queue.remove(id)
	now := p.now()
	e.job.Status = StatusCancelled
	e.job.CompletedAt = &now
	cp := checkpointOf(e.job, now)
	p.mu.Unlock()

	p.saveQuietly(cp)
	p.finish(e, StatusCancelled)
	p.logger.Infow("Batch job cancelled", logger.FieldJobID, id)
	return true
}

// Pause holds a job. A queued job leaves the queue at once; a processing
// job pauses after its current batch.
func (p *Processor) Pause(id string) bool {
	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	switch e.job.Status {
	case StatusProcessing:
		if e.cancelRequested {
			p.mu.Unlock()
			return false
		}
		e.pauseRequested = true
		p.mu.Unlock()
		return true
	case StatusQueued:
		p.queue.remove(id)
		e.job.Status = StatusPaused
		cp := checkpointOf(e.job, p.now())
		p.mu.Unlock()
		p.saveQuietly(cp)
		p.metrics.RecordBatchJob(string(StatusPaused))
		p.logger.Infow("Batch job paused", logger.FieldJobID, id)
		return true
	}
	p.mu.Unlock()
	return false
}

// Resume re-queues a paused job. It continues from its checkpointed batch.
func (p *Processor) Resume(id string) bool {
	p.mu.Lock()
	e, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if e.job.Status == StatusProcessing && e.pauseRequested {
		e.pauseRequested = false
		p.mu.Unlock()
		return true
	}
	if e.job.Status != StatusPaused {
		p.mu.Unlock()
		return false
	}
	p.enqueue(e.job)
	cp := checkpointOf(e.job, p.now())
	p.mu.Unlock()

	p.saveQuietly(cp)
	p.logger.Infow("Batch job resumed",
		logger.FieldJobID, id,
		logger.FieldBatch, cp.CurrentBatch,
	)
	return true
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (p *Processor) Wait(ctx context.Context, id string) (*Job, error) {
	p.mu.Lock()
	e, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFoundError("batch job %s", id)
	}
	select {
	case <-e.done:
		return p.Status(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Metrics summarizes every known job.
func (p *Processor) Metrics() ProcessingMetrics {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	m := ProcessingMetrics{
		TotalJobs:     len(p.jobs),
		Workers:       p.cfg.Workers,
		MaxConcurrent: p.maxJobs,
	}
	var elapsed float64
	for _, e := range p.jobs {
		j := e.job
		switch j.Status {
		case StatusPending, StatusQueued:
			m.QueuedJobs++
		case StatusProcessing:
			m.ProcessingJobs++
			m.ActiveThroughput += j.Throughput(now)
		case StatusPaused:
			m.PausedJobs++
		case StatusCompleted:
			m.CompletedJobs++
		case StatusFailed:
			m.FailedJobs++
		case StatusCancelled:
			m.CancelledJobs++
		}
		m.ProcessedRecords += j.ProcessedRecords
		m.FailedRecords += j.FailedRecords
		if j.StartedAt != nil {
			end := now
			if j.CompletedAt != nil {
				end = *j.CompletedAt
			}
			elapsed += end.Sub(*j.StartedAt).Seconds()
		}
	}
	if elapsed > 0 {
		m.Throughput = float64(m.ProcessedRecords) / elapsed
	}
	return m
}

// Start recovers unfinished jobs from their checkpoints and starts the
// worker pool.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	p.mu.Unlock()

	if err := p.recoverCheckpoints(); err != nil {
		p.logger.Warnw("Failed to recover batch jobs", logger.FieldError, err)
	}

	if mem, err := sysinfo.ReadMemory(); err == nil && mem.Pressure(p.cfg.MemoryWarnPercent) {
		p.logger.Warnw("Memory pressure warning",
			"memory_percent", mem.Percent,
			"workers", p.cfg.Workers,
		)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx, i)
	}
	p.logger.Infow("Batch processor started",
		"workers", p.cfg.Workers,
		"max_concurrent_jobs", p.cfg.MaxConcurrentJobs,
	)
}

// Stop cancels the workers and waits for them to checkpoint and exit.
// Processing jobs are re-queued from their last checkpoint.
// Uses a 30-second timeout so shutdown is never blocked indefinitely.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		p.logger.Infow(sym.PulseClose + " Batch processor stopped - all workers exited cleanly")
	case <-time.After(timeout):
		p.logger.Closing("Batch processor stop timed out - workers may still be checkpointing", "timeout", timeout)
	}
}

// recoverCheckpoints registers every unfinished job found in the checkpoint
// store. Interrupted and queued jobs are queued again; paused jobs stay
// paused until resumed.
func (p *Processor) recoverCheckpoints() error {
	cps, err := p.checkpoints.List()
	if err != nil {
		return errors.Wrap(err, "failed to list checkpoints")
	}

	recovered := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cp := range cps {
		if cp.Metadata.Status.Terminal() || cp.Metadata.Status == StatusPending {
			continue
		}
		if _, known := p.jobs[cp.JobID]; known {
			continue
		}
		j := cp.Job()
		e := &entry{job: j, done: make(chan struct{})}
		p.jobs[j.ID] = e
		if j.Status != StatusPaused {
			p.enqueue(j)
		}
		recovered++
		p.logger.Starting("Recovered batch job from checkpoint",
			logger.FieldJobID, j.ID,
			logger.FieldStatus, j.Status,
			logger.FieldBatch, j.CurrentBatch,
			"total_batches", j.TotalBatches,
		)
	}
	if recovered > 0 {
		p.logger.Starting("Opening - recovered unfinished batch jobs", logger.FieldCount, recovered)
	}
	return nil
}

// CleanupCheckpoints deletes checkpoints of finished jobs older than
// olderThan and forgets those jobs. Returns how many were removed.
func (p *Processor) CleanupCheckpoints(olderThan time.Duration) (int, error) {
	cutoff := p.now().Add(-olderThan)
	cps, err := p.checkpoints.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, cp := range cps {
		if !cp.Metadata.Status.Terminal() || !cp.Timestamp.Before(cutoff) {
			continue
		}
		if err := p.checkpoints.Delete(cp.JobID); err != nil {
			return removed, errors.Wrapf(err, "failed to delete checkpoint %s", cp.JobID)
		}
		p.mu.Lock()
		if e, ok := p.jobs[cp.JobID]; ok && e.job.Status.Terminal() {
			delete(p.jobs, cp.JobID)
		}
		p.mu.Unlock()
		removed++
	}
	if removed > 0 {
		p.logger.Infow("Cleaned up batch checkpoints", logger.FieldCount, removed)
	}
	return removed, nil
}

// failJob marks a job failed for a job-level reason.
func (p *Processor) failJob(e *entry, err error) {
	p.mu.Lock()
	now := p.now()
	e.job.Status = StatusFailed
	e.job.CompletedAt = &now
	p.addError(e.job, err.Error())
	cp := checkpointOf(e.job, now)
	p.mu.Unlock()

	p.saveQuietly(cp)
	p.logger.Errorw("Batch job failed",
		logger.FieldJobID, e.job.ID,
		logger.FieldError, err,
	)
	p.finish(e, StatusFailed)
}

// finish signals waiters and records terminal metrics.
func (p *Processor) finish(e *entry, status Status) {
	p.mu.Lock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	p.mu.Unlock()
	p.metrics.RecordBatchJob(string(status))
	p.publishActive()
}

func (p *Processor) publishActive() {
	if p.metrics == nil {
		return
	}
	m := p.Metrics()
	p.metrics.SetBatchActive(m.ProcessingJobs, m.ActiveThroughput)
}

func (p *Processor) saveQuietly(cp *Checkpoint) {
	if err := p.checkpoints.Save(cp); err != nil {
		p.logger.Warnw("Failed to write checkpoint",
			logger.FieldJobID, cp.JobID,
			logger.FieldError, err,
		)
	}
}

// addError appends msg to the job's error list, bounded by MaxErrors.
// Caller holds p.mu.
func (p *Processor) addError(j *Job, msg string) {
	switch {
	case len(j.Errors) < p.cfg.MaxErrors:
		j.Errors = append(j.Errors, msg)
	case len(j.Errors) == p.cfg.MaxErrors:
		j.Errors = append(j.Errors, "further errors omitted")
	}
}
