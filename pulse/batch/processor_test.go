package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/internal/docstore"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/source/memory"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// collector is a RecordSink remembering consumed record numbers in order.
type collector struct {
	mu      sync.Mutex
	numbers []string
	failOn  map[string]bool
}

func (c *collector) Consume(ctx context.Context, _ source.Type, r *invoice.Data) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn[r.ID] {
		return fmt.Errorf("destination rejected %s", r.ID)
	}
	c.numbers = append(c.numbers, r.Number)
	return nil
}

func (c *collector) consumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.numbers...)
}

type fixture struct {
	coord       *extract.Coordinator
	adapters    map[source.Type]*memory.Adapter
	sink        *collector
	checkpoints *DocCheckpoints
	proc        *Processor
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.MaxConcurrentJobs = 2
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg Config, dir string, sources map[source.Type][]invoice.Data) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		coord:    extract.NewCoordinator(extract.Config{}, log),
		adapters: make(map[source.Type]*memory.Adapter),
		sink:     &collector{failOn: map[string]bool{}},
	}
	for st, records := range sources {
		a := memory.New(st, records...)
		f.adapters[st] = a
		require.NoError(t, f.coord.Register(st, a))
	}

	if dir == "" {
		dir = t.TempDir()
	}
	docs, err := docstore.Open(dir)
	require.NoError(t, err)
	f.checkpoints = NewDocCheckpoints(docs)
	f.proc = NewProcessor(f.coord, f.sink, f.checkpoints, cfg, log)
	t.Cleanup(f.proc.Stop)
	return f
}

func wait(t *testing.T, p *Processor, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := p.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmitAndComplete(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 25, start),
	})
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 10})
	require.NoError(t, err)

	job := wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 25, job.TotalRecords)
	assert.Equal(t, 3, job.TotalBatches)
	assert.Equal(t, 3, job.CurrentBatch)
	assert.Equal(t, 25, job.ProcessedRecords)
	assert.Equal(t, 0, job.FailedRecords)
	assert.Len(t, f.sink.consumed(), 25)
	assert.Equal(t, float64(100), job.Progress())

	cp, err := f.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cp.Metadata.Status)
	assert.Equal(t, 3, cp.CurrentBatch)

	_, _, extracts := f.adapters["erp"].Stats()
	assert.Equal(t, 3, extracts)
}

func TestZeroRecordsCompletesImmediately(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{"erp": nil})

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp"})
	require.NoError(t, err)

	job, err := f.proc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 0, job.TotalBatches)
	assert.Equal(t, 1000, job.BatchSize)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{"erp": nil})
	ctx := context.Background()

	_, err := f.proc.Submit(ctx, Job{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.proc.Submit(ctx, Job{SourceType: "missing"})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = f.proc.Submit(ctx, Job{SourceType: "erp", BatchSize: -1})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRecordFailuresArePartialSuccess(t *testing.T) {
	records := memory.Generate("INV", 10, start)
	records[2].Currency = ""
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{"erp": records})
	f.sink.failOn[records[5].ID] = true
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 4})
	require.NoError(t, err)

	job := wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 8, job.ProcessedRecords)
	assert.Equal(t, 2, job.FailedRecords)
	require.Len(t, job.Errors, 2)
	assert.Contains(t, strings.Join(job.Errors, "\n"), "destination rejected")
}

func TestFailedBatchCountsAllRecords(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 25, start),
	})
	f.adapters["erp"].FailNext(memory.OpExtract, source.NewError(source.KindValidation, "", "", fmt.Errorf("bad page")), 1)
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 10})
	require.NoError(t, err)

	job := wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 10, job.FailedRecords)
	assert.Equal(t, 15, job.ProcessedRecords)
	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "batch 0")
}

func TestRetryableBatchIsRetried(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 5, start),
	})
	f.adapters["erp"].FailNext(memory.OpExtract, fmt.Errorf("connection reset by peer"), 2)
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 10})
	require.NoError(t, err)

	job := wait(t, f.proc, id)
	assert.Equal(t, 5, job.ProcessedRecords)
	assert.Equal(t, 0, job.FailedRecords)
	assert.Empty(t, job.Errors)
}

func TestCountFailureFailsJob(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{"erp": nil})
	f.adapters["erp"].FailNext(memory.OpConnect, fmt.Errorf("connection refused"), 1)

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp"})
	require.Error(t, err)
	require.NotEmpty(t, id)
	assert.Contains(t, errors.GetAllDetails(err), "Job ID: "+id)

	job := wait(t, f.proc, id)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotEmpty(t, job.Errors)
}

func TestPriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxConcurrentJobs = 1
	f := newFixture(t, cfg, "", map[source.Type][]invoice.Data{
		"low":  memory.Generate("LOW", 1, start),
		"high": memory.Generate("HIGH", 1, start),
		"mid":  memory.Generate("MID", 1, start),
		"mid2": memory.Generate("MIDB", 1, start),
	})
	ctx := context.Background()

	var ids []string
	for _, j := range []Job{
		{SourceType: "low", Priority: 1},
		{SourceType: "mid", Priority: 5},
		{SourceType: "high", Priority: 9},
		{SourceType: "mid2", Priority: 5},
	} {
		id, err := f.proc.Submit(ctx, j)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f.proc.Start()
	for _, id := range ids {
		wait(t, f.proc, id)
	}

	assert.Equal(t, []string{"HIGH-000001", "MID-000001", "MIDB-000001", "LOW-000001"}, f.sink.consumed())
}

func TestPauseAndResumeQueuedJob(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 5, start),
	})

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 2})
	require.NoError(t, err)

	assert.True(t, f.proc.Pause(id))
	assert.False(t, f.proc.Pause(id), "already paused")
	f.proc.Start()

	time.Sleep(50 * time.Millisecond)
	job, err := f.proc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, job.Status)
	assert.Empty(t, f.sink.consumed())

	assert.True(t, f.proc.Resume(id))
	assert.False(t, f.proc.Resume(id), "not paused anymore")

	job = wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 5, job.ProcessedRecords)
}

func TestPauseProcessingJobResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 40, start),
	})
	f.adapters["erp"].SetLatency(5 * time.Millisecond)
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := f.proc.Status(id)
		return j.Status == StatusProcessing && j.CurrentBatch > 0
	}, 5*time.Second, time.Millisecond)
	require.True(t, f.proc.Pause(id))

	require.Eventually(t, func() bool {
		j, _ := f.proc.Status(id)
		return j.Status == StatusPaused
	}, 5*time.Second, time.Millisecond)

	paused, err := f.proc.Status(id)
	require.NoError(t, err)
	assert.Less(t, paused.CurrentBatch, paused.TotalBatches)

	cp, err := f.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, cp.Metadata.Status)
	assert.Equal(t, paused.CurrentBatch, cp.CurrentBatch)

	require.True(t, f.proc.Resume(id))
	job := wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 40, job.ProcessedRecords)
	assert.Len(t, f.sink.consumed(), 40, "no batch processed twice")
}

func TestCancel(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 40, start),
	})
	f.adapters["erp"].SetLatency(5 * time.Millisecond)

	queued, err := f.proc.Submit(context.Background(), Job{SourceType: "erp"})
	require.NoError(t, err)
	assert.True(t, f.proc.Cancel(queued))
	assert.False(t, f.proc.Cancel(queued), "already cancelled")
	assert.Equal(t, StatusCancelled, wait(t, f.proc, queued).Status)

	f.proc.Start()
	running, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.proc.Status(running)
		return j.Status == StatusProcessing
	}, 5*time.Second, time.Millisecond)

	require.True(t, f.proc.Cancel(running))
	job := wait(t, f.proc, running)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Less(t, job.CurrentBatch, job.TotalBatches)
	assert.Eventually(t, func() bool { return !f.adapters["erp"].Connected() }, time.Second, time.Millisecond, "session closed")
}

func TestStartRecoversCheckpoints(t *testing.T) {
	dir := t.TempDir()
	records := memory.Generate("INV", 30, start)

	docs, err := docstore.Open(dir)
	require.NoError(t, err)
	startedAt := start
	interrupted := &Job{
		ID:               "job-interrupted",
		SourceType:       "erp",
		BatchSize:        10,
		Status:           StatusProcessing,
		TotalRecords:     30,
		TotalBatches:     3,
		CurrentBatch:     2,
		ProcessedRecords: 20,
		CreatedAt:        start,
		StartedAt:        &startedAt,
	}
	paused := &Job{
		ID:           "job-paused",
		SourceType:   "erp",
		BatchSize:    10,
		Status:       StatusPaused,
		TotalRecords: 30,
		TotalBatches: 3,
		CreatedAt:    start,
	}
	done := &Job{ID: "job-done", SourceType: "erp", Status: StatusCompleted, CreatedAt: start}
	store := NewDocCheckpoints(docs)
	for _, j := range []*Job{interrupted, paused, done} {
		require.NoError(t, store.Save(checkpointOf(j, start)))
	}

	f := newFixture(t, testConfig(), dir, map[source.Type][]invoice.Data{"erp": records})
	f.proc.Start()

	job := wait(t, f.proc, "job-interrupted")
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 30, job.ProcessedRecords)
	assert.Equal(t, []string{"INV-000021", "INV-000022"}, f.sink.consumed()[:2], "resumed at batch 2")
	assert.Len(t, f.sink.consumed(), 10)

	p, err := f.proc.Status("job-paused")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, p.Status)

	_, err = f.proc.Status("job-done")
	assert.True(t, errors.IsNotFoundError(err), "finished jobs are not recovered")
}

func TestStopRequeuesProcessingJob(t *testing.T) {
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 50, start),
	})
	f.adapters["erp"].SetLatency(5 * time.Millisecond)
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := f.proc.Status(id)
		return j.CurrentBatch > 0
	}, 5*time.Second, time.Millisecond)

	f.proc.Stop()

	job, err := f.proc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	cp, err := f.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cp.Metadata.Status)
	assert.Equal(t, job.CurrentBatch, cp.CurrentBatch)

	f.proc.Start()
	job = wait(t, f.proc, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 50, job.ProcessedRecords)
}

type failingCheckpoints struct {
	CheckpointStore
	mu    sync.Mutex
	saves int
	after int
}

func (f *failingCheckpoints) Save(cp *Checkpoint) error {
	f.mu.Lock()
	f.saves++
	n := f.saves
	f.mu.Unlock()
	if n > f.after && cp.Metadata.Status == StatusProcessing {
		return fmt.Errorf("disk full")
	}
	return f.CheckpointStore.Save(cp)
}

func TestCheckpointFailureFailsJob(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointInterval = 1
	f := newFixture(t, cfg, "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 5, start),
	})
	f.proc.checkpoints = &failingCheckpoints{CheckpointStore: f.checkpoints, after: 1}
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
	require.NoError(t, err)

	job := wait(t, f.proc, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, strings.Join(job.Errors, "\n"), "disk full")
}

// recordingCheckpoints keeps a copy of every checkpoint written.
type recordingCheckpoints struct {
	CheckpointStore
	mu    sync.Mutex
	saved []Checkpoint
}

func (r *recordingCheckpoints) Save(cp *Checkpoint) error {
	r.mu.Lock()
	r.saved = append(r.saved, *cp)
	r.mu.Unlock()
	return r.CheckpointStore.Save(cp)
}

// periodic returns the checkpoints written between batches of a running job.
func (r *recordingCheckpoints) periodic() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Checkpoint
	for _, cp := range r.saved {
		if cp.Metadata.Status == StatusProcessing {
			out = append(out, cp)
		}
	}
	return out
}

func TestIntervalCheckpointsAccountForEveryRecord(t *testing.T) {
	records := memory.Generate("INV", 23, start)
	records[3].Currency = ""
	cfg := testConfig()
	cfg.CheckpointInterval = 2

	f := newFixture(t, cfg, "", map[source.Type][]invoice.Data{"erp": records})
	f.sink.failOn[records[12].ID] = true
	rec := &recordingCheckpoints{CheckpointStore: f.checkpoints}
	f.proc.checkpoints = rec
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 5})
	require.NoError(t, err)
	job := wait(t, f.proc, id)
	require.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 21, job.ProcessedRecords)
	assert.Equal(t, 2, job.FailedRecords)

	periodic := rec.periodic()
	require.Len(t, periodic, 2)
	var batches []int
	for _, cp := range periodic {
		batches = append(batches, cp.CurrentBatch)
		accounted := min(cp.CurrentBatch*cp.Metadata.BatchSize, cp.Metadata.TotalRecords)
		assert.Equal(t, accounted, cp.ProcessedRecords+cp.FailedRecords, "batch %d", cp.CurrentBatch)
	}
	assert.Equal(t, []int{2, 4}, batches)
	assert.Equal(t, 1, periodic[0].FailedRecords)
	assert.Equal(t, 2, periodic[1].FailedRecords)

	final, err := f.checkpoints.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 23, final.ProcessedRecords+final.FailedRecords)

	// A crash right after the first interval checkpoint: a fresh processor
	// picks the job up from it and no record reaches the sink twice.
	resumeFrom := periodic[0]
	dir := t.TempDir()
	docs, err := docstore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, NewDocCheckpoints(docs).Save(&resumeFrom))

	g := newFixture(t, cfg, dir, map[source.Type][]invoice.Data{"erp": records})
	g.sink.failOn[records[12].ID] = true
	g.proc.Start()

	resumed := wait(t, g.proc, id)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, job.ProcessedRecords, resumed.ProcessedRecords)
	assert.Equal(t, job.FailedRecords, resumed.FailedRecords)

	var want []string
	for i, r := range records {
		if i != 3 && i != 12 {
			want = append(want, r.Number)
		}
	}
	got := append(f.sink.consumed()[:resumeFrom.ProcessedRecords], g.sink.consumed()...)
	assert.ElementsMatch(t, want, got)
	assert.Len(t, g.sink.consumed(), len(want)-resumeFrom.ProcessedRecords)
}

func TestLoweringMaxConcurrentJobsAppliesToRunningJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 3
	cfg.MaxConcurrentJobs = 2
	f := newFixture(t, cfg, "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 6, start),
	})
	f.adapters["erp"].SetLatency(5 * time.Millisecond)
	f.proc.Start()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool {
		return f.proc.Metrics().ProcessingJobs == 2
	}, 5*time.Second, time.Millisecond)

	f.proc.SetMaxConcurrentJobs(1)
	assert.Equal(t, 1, f.proc.Metrics().MaxConcurrent)

	// Once a job finishes, the lowered ceiling holds.
	deadline := time.Now().Add(10 * time.Second)
	peak := 0
	for {
		require.True(t, time.Now().Before(deadline), "jobs did not finish")
		m := f.proc.Metrics()
		if m.CompletedJobs > 0 && m.ProcessingJobs > peak {
			peak = m.ProcessingJobs
		}
		if m.CompletedJobs == len(ids) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.LessOrEqual(t, peak, 1)
}

func TestCleanupCheckpointsAndMetrics(t *testing.T) {
	now := start
	f := newFixture(t, testConfig(), "", map[source.Type][]invoice.Data{
		"erp": memory.Generate("INV", 3, start),
	})
	f.proc.SetClock(func() time.Time { return now })
	f.proc.Start()

	id, err := f.proc.Submit(context.Background(), Job{SourceType: "erp", BatchSize: 1})
	require.NoError(t, err)
	wait(t, f.proc, id)

	m := f.proc.Metrics()
	assert.Equal(t, 1, m.TotalJobs)
	assert.Equal(t, 1, m.CompletedJobs)
	assert.Equal(t, 3, m.ProcessedRecords)

	removed, err := f.proc.CleanupCheckpoints(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "too recent")

	now = start.Add(2 * time.Hour)
	removed, err = f.proc.CleanupCheckpoints(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.proc.Status(id)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestThroughput(t *testing.T) {
	s := start
	e := start.Add(10 * time.Second)
	j := &Job{ProcessedRecords: 50, StartedAt: &s, CompletedAt: &e}
	assert.InDelta(t, 5.0, j.Throughput(time.Now()), 0.0001)
	assert.Equal(t, 0.0, (&Job{}).Throughput(time.Now()))
}
