// Package engine assembles one long-lived erpsync instance: the extraction
// coordinator with its source adapters, the destination store, the sync
// service, the batch processor, the reconciler and the scheduler whose
// job types dispatch into them.
package engine

import (
	"context"
	"database/sql"
	"sort"
	gosync "sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/internal/docstore"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/pulse/batch"
	"github.com/teranos/erpsync/pulse/schedule"
	"github.com/teranos/erpsync/reconcile"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/source/jsonfile"
	"github.com/teranos/erpsync/source/memory"
	"github.com/teranos/erpsync/store"
	erpsync "github.com/teranos/erpsync/sync"
)

// Document kinds kept under storage.data_dir.
const (
	DocCheckpoints = "checkpoints"
	DocSyncState   = "sync_state"
	DocSyncIndex   = "sync_index"
	DocJobs        = "jobs"
	DocReports     = "reports"
)

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithLogger sets the base logger every component derives from.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = log }
}

// WithMetrics attaches a Prometheus collector to every component.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the time source of the engine and its components.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAdapter registers an adapter in addition to the configured sources.
func WithAdapter(sourceType source.Type, adapter source.Adapter) Option {
	return func(e *Engine) {
		e.extra = append(e.extra, registration{sourceType, adapter})
	}
}

type registration struct {
	sourceType source.Type
	adapter    source.Adapter
}

// Engine owns every registry and long-running component.
type Engine struct {
	cfg     *am.Config
	db      *sql.DB
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
	now     func() time.Time
	extra   []registration

	coord       *extract.Coordinator
	store       *store.Store
	sync        *erpsync.Service
	batch       *batch.Processor
	reconciler  *reconcile.Reconciler
	scheduler   *schedule.Scheduler
	executions  *schedule.ExecutionStore
	reports     *docstore.Store
	checkpoints *batch.DocCheckpoints

	mu      gosync.Mutex
	started bool
}

// New builds an engine over a migrated database. Nothing runs until Start.
func New(cfg *am.Config, db *sql.DB, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	e := &Engine{cfg: cfg, db: db, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.ComponentLogger("engine")
	}

	docs, err := openDocStores(cfg)
	if err != nil {
		return nil, err
	}
	e.reports = docs[DocReports]

	e.coord = extract.NewCoordinator(extract.Config{
		Timeout:      seconds(cfg.Extraction.TimeoutSeconds),
		ProbeTimeout: seconds(cfg.Extraction.ProbeTimeoutSeconds),
		PageSize:     cfg.Extraction.PageSize,
	}, e.logger.Named("extract"))
	if err := e.registerSources(); err != nil {
		return nil, err
	}

	e.store = store.New(db, e.logger.Named("store"))

	e.sync = erpsync.NewService(e.coord, e.store,
		erpsync.NewStateStore(docs[DocSyncState], docs[DocSyncIndex]),
		erpsync.Config{
			Overlap:  time.Duration(cfg.Sync.OverlapMinutes) * time.Minute,
			PageSize: cfg.Sync.PageSize,
		}, e.logger.Named("sync"))

	e.checkpoints = batch.NewDocCheckpoints(docs[DocCheckpoints])
	e.batch = batch.NewProcessor(e.coord, e.store, e.checkpoints, batch.Config{
		Workers:            cfg.Batch.Workers,
		MaxConcurrentJobs:  cfg.Batch.MaxConcurrentJobs,
		BatchSize:          cfg.Batch.BatchSize,
		CheckpointInterval: cfg.Batch.CheckpointInterval,
		RetryAttempts:      cfg.Batch.RetryAttempts,
	}, e.logger.Named("batch"))

	tolerance, err := toleranceOf(cfg.Reconcile)
	if err != nil {
		return nil, err
	}
	e.reconciler = reconcile.NewReconciler(e.coord, reconcile.Deps{
		Destination: e.store,
		Corrector:   e.store,
		Directory:   e.store,
		Reports:     e.reports,
	}, reconcile.Config{
		Tolerance:      tolerance,
		AutoCorrect:    cfg.Reconcile.AutoCorrect,
		ReportsEnabled: cfg.Reconcile.ReportsEnabled,
	}, e.logger.Named("reconcile"))

	registry := schedule.NewRegistry()
	if err := e.registerExecutors(registry); err != nil {
		return nil, err
	}
	e.executions = schedule.NewExecutionStore(db)
	e.scheduler = schedule.New(schedule.Config{
		TickInterval:      seconds(cfg.Pulse.TickerIntervalSeconds),
		MaxConcurrentJobs: cfg.Pulse.MaxConcurrentJobs,
		RetryBase:         seconds(cfg.Pulse.RetryBaseSeconds),
		RetryMax:          seconds(cfg.Pulse.RetryMaxSeconds),
		DependencyDelay:   seconds(cfg.Pulse.DependencyDelaySeconds),
	}, schedule.NewStore(docs[DocJobs]), e.executions, registry, e.logger.Named("pulse"))

	e.coord.SetClock(e.now)
	e.sync.SetClock(e.now)
	e.batch.SetClock(e.now)
	e.reconciler.SetClock(e.now)
	e.scheduler.SetClock(e.now)
	e.store.SetClock(e.now)

	if e.metrics != nil {
		e.coord.SetMetrics(e.metrics)
		e.sync.SetMetrics(e.metrics)
		e.batch.SetMetrics(e.metrics)
		e.reconciler.SetMetrics(e.metrics)
		e.scheduler.SetMetrics(e.metrics)
	}

	return e, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func openDocStores(cfg *am.Config) (map[string]*docstore.Store, error) {
	out := make(map[string]*docstore.Store)
	for _, kind := range []string{DocCheckpoints, DocSyncState, DocSyncIndex, DocJobs, DocReports} {
		docs, err := docstore.Open(cfg.DocDir(kind))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s store", kind)
		}
		out[kind] = docs
	}
	return out, nil
}

func toleranceOf(cfg am.ReconcileConfig) (reconcile.Tolerance, error) {
	tol := reconcile.DefaultTolerance()
	if cfg.AbsoluteTolerance != "" {
		d, err := decimal.NewFromString(cfg.AbsoluteTolerance)
		if err != nil {
			return tol, errors.Wrap(err, "reconcile.absolute_tolerance")
		}
		tol.Absolute = d
	}
	if cfg.RelativeTolerance != "" {
		d, err := decimal.NewFromString(cfg.RelativeTolerance)
		if err != nil {
			return tol, errors.Wrap(err, "reconcile.relative_tolerance")
		}
		tol.Relative = d
	}
	return tol, nil
}

// registerSources builds the configured adapters in name order, then the
// ones passed with WithAdapter.
func (e *Engine) registerSources() error {
	names := make([]string, 0, len(e.cfg.Sources))
	for name := range e.cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := e.cfg.Sources[name]
		st := source.Type(name)

		var adapter source.Adapter
		switch src.Type {
		case am.SourceKindJSONFile:
			adapter = jsonfile.New(st, src.Path, e.logger.Named("jsonfile"))
		case am.SourceKindMemory:
			now := e.now()
			start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
			adapter = memory.New(st, memory.Generate(name, src.Records, start)...)
		default:
			return errors.Newf("source %s: unknown type %q", name, src.Type)
		}

		rps, burst := src.RequestsPerSecond, src.Burst
		if rps <= 0 {
			rps = e.cfg.Extraction.RequestsPerSecond
		}
		if burst <= 0 {
			burst = e.cfg.Extraction.Burst
		}
		if err := e.coord.Register(st, source.Throttle(adapter, rps, burst)); err != nil {
			return errors.Wrapf(err, "source %s", name)
		}
	}

	for _, r := range e.extra {
		if err := e.coord.Register(r.sourceType, r.adapter); err != nil {
			return errors.Wrapf(err, "source %s", r.sourceType)
		}
	}
	return nil
}

// Start recovers batch checkpoints and starts the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.NewConflictError("engine already started")
	}

	e.batch.Start()
	if err := e.scheduler.Start(ctx); err != nil {
		e.batch.Stop()
		return errors.Wrap(err, "failed to start scheduler")
	}
	e.started = true

	e.logger.Infow("Engine started",
		"sources", len(e.coord.SourceTypes()),
		"batch_workers", e.cfg.Batch.Workers,
		"max_concurrent_jobs", e.cfg.Pulse.MaxConcurrentJobs,
	)
	return nil
}

// Stop shuts components down in reverse order of startup: no new firings,
// then batch jobs checkpoint, then background sync and reconcile runs end.
func (e *Engine) Stop() {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		e.scheduler.Stop()
		e.batch.Stop()
	}
	e.sync.Close()
	e.reconciler.Close()
	e.logger.Infow("Engine stopped")
}

// ApplyConfig takes the runtime-adjustable settings from a reloaded
// configuration. Everything else requires a restart.
func (e *Engine) ApplyConfig(cfg *am.Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if cfg.Pulse.MaxConcurrentJobs > 0 {
		e.scheduler.SetMaxConcurrentJobs(cfg.Pulse.MaxConcurrentJobs)
	}
	if cfg.Batch.MaxConcurrentJobs > 0 {
		e.batch.SetMaxConcurrentJobs(cfg.Batch.MaxConcurrentJobs)
	}
	if cfg.Log.Level != "" {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return err
		}
	}
	e.logger.Infow("Applied reloaded config",
		"pulse_max_concurrent_jobs", cfg.Pulse.MaxConcurrentJobs,
		"batch_max_concurrent_jobs", cfg.Batch.MaxConcurrentJobs,
		"log_level", logger.Level().String(),
	)
	return nil
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *am.Config { return e.cfg }

// Coordinator returns the extraction coordinator.
func (e *Engine) Coordinator() *extract.Coordinator { return e.coord }

// Store returns the destination store.
func (e *Engine) Store() *store.Store { return e.store }

// Sync returns the incremental sync service.
func (e *Engine) Sync() *erpsync.Service { return e.sync }

// Batch returns the batch processor.
func (e *Engine) Batch() *batch.Processor { return e.batch }

// Reconciler returns the data reconciler.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

// Scheduler returns the extraction scheduler.
func (e *Engine) Scheduler() *schedule.Scheduler { return e.scheduler }

// Reports returns the reconciliation report store.
func (e *Engine) Reports() *docstore.Store { return e.reports }

// Checkpoints returns the batch checkpoint store.
func (e *Engine) Checkpoints() *batch.DocCheckpoints { return e.checkpoints }
