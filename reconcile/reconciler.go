// Package reconcile compares a source snapshot against the destination
// store and reports every inconsistency as a typed, graded discrepancy.
//
// A run pulls both snapshots for the same filter in parallel, applies the
// requested checks independently and unions their discrepancies. Field and
// date discrepancies on the destination side may be corrected automatically
// from the source copy; every correction is timestamped on the discrepancy
// it resolves. Completed runs are immutable and can be written out as JSON
// report documents.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/internal/docstore"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
	erpsync "github.com/teranos/erpsync/sync"
)

// Destination reads the destination snapshot of one source type.
type Destination interface {
	Query(ctx context.Context, sourceType source.Type, filter invoice.Filter) ([]invoice.Data, error)
}

// Corrector applies a single-field correction to a destination record.
type Corrector interface {
	ApplyCorrection(ctx context.Context, sourceType source.Type, c Correction) error
}

// CounterpartyDirectory answers which counterparty ids exist.
type CounterpartyDirectory interface {
	CounterpartiesExist(ctx context.Context, ids []string) (map[string]bool, error)
}

// Deps are the collaborators of a Reconciler. Only Destination is required.
type Deps struct {
	Destination Destination
	Corrector   Corrector
	Directory   CounterpartyDirectory
	Reports     *docstore.Store
}

// Config tunes reconciliation.
type Config struct {
	Tolerance      Tolerance
	AutoCorrect    bool
	ReportsEnabled bool
	MaxErrors      int
}

// DefaultConfig returns the standard reconciliation settings.
func DefaultConfig() Config {
	return Config{
		Tolerance:      DefaultTolerance(),
		AutoCorrect:    false,
		ReportsEnabled: true,
		MaxErrors:      100,
	}
}

// Request selects what a run reconciles.
type Request struct {
	SourceType source.Type
	Checks     []CheckType // empty means all
	DateFrom   *time.Time
	DateTo     *time.Time
	EntityIDs  []string
	// AutoCorrect overrides Config.AutoCorrect when set.
	AutoCorrect *bool
}

func (r Request) filter() invoice.Filter {
	return invoice.Filter{
		DateFrom:         r.DateFrom,
		DateTo:           r.DateTo,
		EntityIDs:        r.EntityIDs,
		IncludeDraft:     true,
		IncludeCancelled: true,
	}
}

type run struct {
	result *Result
	cancel context.CancelFunc
}

// Reconciler runs reconciliations and keeps their results.
type Reconciler struct {
	coord   *extract.Coordinator
	deps    Deps
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// NewReconciler creates a reconciler. A zero tolerance in cfg falls back to
// DefaultTolerance.
func NewReconciler(coord *extract.Coordinator, deps Deps, cfg Config, log *zap.SugaredLogger) *Reconciler {
	def := DefaultConfig()
	if cfg.Tolerance.Absolute.IsZero() && cfg.Tolerance.Relative.IsZero() {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	if log == nil {
		log = logger.ComponentLogger("reconcile")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		coord:  coord,
		deps:   deps,
		cfg:    cfg,
		logger: logger.WithSymbol(log, sym.Reconcile),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
}

// SetMetrics attaches a metrics collector.
func (r *Reconciler) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Start launches a run in the background and returns its id.
func (r *Reconciler) Start(ctx context.Context, req Request) (string, error) {
	res, err := r.prepare(req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.ctx, cancel)
	r.register(res, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		defer cancel()
		r.execute(runCtx, res, req)
	}()
	return res.ID, nil
}

// Run reconciles and waits for the result. A failed or cancelled run
// returns its result together with the error.
func (r *Reconciler) Run(ctx context.Context, req Request) (*Result, error) {
	res, err := r.prepare(req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.register(res, cancel)
	return r.execute(runCtx, res, req)
}

// Status returns a copy of the run's result.
func (r *Reconciler) Status(id string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[id]
	if !ok {
		return nil, errors.NewNotFoundError("reconciliation %s", id)
	}
	return rn.result.clone(), nil
}

// Results returns copies of all retained results, newest first.
func (r *Reconciler) Results() []*Result {
	r.mu.Lock()
	out := make([]*Result, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, rn.result.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cancel stops a running reconciliation. It returns false when the run is
// unknown or already finished.
func (r *Reconciler) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[id]
	if !ok || rn.result.Status.Terminal() {
		return false
	}
	rn.cancel()
	return true
}

// CleanupResults drops finished runs completed more than olderThan ago.
func (r *Reconciler) CleanupResults(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rn := range r.runs {
		res := rn.result
		if res.Status.Terminal() && res.CompletedAt != nil && res.CompletedAt.Before(cutoff) {
			delete(r.runs, id)
			removed++
		}
	}
	return removed
}

// Close cancels background runs and waits for them.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) prepare(req Request) (*Result, error) {
	if r.deps.Destination == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "no destination configured for reconciliation")
	}
	if _, err := r.coord.Adapter(req.SourceType); err != nil {
		return nil, err
	}
	if err := req.filter().Validate(); err != nil {
		return nil, err
	}

	checks := req.Checks
	if len(checks) == 0 {
		checks = AllChecks
	}
	for _, c := range checks {
		if !c.Valid() {
			return nil, errors.NewInvalidRequestError("unknown check type %q", c)
		}
	}

	return &Result{
		ID:         uuid.NewString(),
		SourceType: req.SourceType,
		Status:     StatusPending,
		Checks:     append([]CheckType(nil), checks...),
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
		StartedAt:  r.now(),
	}, nil
}

func (r *Reconciler) register(res *Result, cancel context.CancelFunc) {
	r.mu.Lock()
	r.runs[res.ID] = &run{result: res.clone(), cancel: cancel}
	r.mu.Unlock()
}

func (r *Reconciler) publish(res *Result) {
	r.mu.Lock()
	if rn, ok := r.runs[res.ID]; ok {
		rn.result = res.clone()
	}
	r.mu.Unlock()
}

// fetch pulls both snapshots in parallel.
func (r *Reconciler) fetch(ctx context.Context, req Request) (src, dst []invoice.Data, err error) {
	g, gctx := errgroup.WithContext(ctx)
	filter := req.filter()

	g.Go(func() error {
		_, records, err := r.coord.ExtractAll(gctx, req.SourceType, filter)
		if err != nil {
			return errors.Wrap(err, "source snapshot")
		}
		src = records
		return nil
	})
	g.Go(func() error {
		records, err := r.deps.Destination.Query(gctx, req.SourceType, filter)
		if err != nil {
			return errors.Wrap(err, "destination snapshot")
		}
		dst = records
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

func (r *Reconciler) execute(ctx context.Context, res *Result, req Request) (*Result, error) {
	log := r.logger.With(
		logger.FieldReconciliationID, res.ID,
		logger.FieldSourceType, string(res.SourceType),
	)
	res.Status = StatusRunning
	r.publish(res)
	log.Infow("Reconciliation started", "checks", res.Checks)

	srcRecords, dstRecords, err := r.fetch(ctx, req)
	if err != nil {
		return r.finish(log, res, err)
	}

	cc := &checkContext{
		src:       newSnapshot(SideSource, srcRecords),
		dst:       newSnapshot(SideDestination, dstRecords),
		tolerance: r.cfg.Tolerance,
		directory: r.deps.Directory,
	}
	res.RecordsChecked = len(srcRecords) + len(dstRecords)
	res.Metrics.SourceRecords = len(srcRecords)
	res.Metrics.DestinationRecords = len(dstRecords)
	res.Metrics.MatchedRecords = len(cc.matched())
	r.digest(res, srcRecords, dstRecords)

	for _, check := range res.Checks {
		if err := ctx.Err(); err != nil {
			return r.finish(log, res, err)
		}
		found, err := checkFuncs[check](ctx, cc)
		if err != nil {
			r.addError(res, fmt.Sprintf("%s: %v", check, err))
			continue
		}
		res.Discrepancies = append(res.Discrepancies, found...)
		log.Debugw("Check finished", "check", check, logger.FieldCount, len(found))
	}

	autoCorrect := r.cfg.AutoCorrect
	if req.AutoCorrect != nil {
		autoCorrect = *req.AutoCorrect
	}
	if autoCorrect {
		r.correct(ctx, res)
	}
	return r.finish(log, res, nil)
}

// digest records Merkle roots of both snapshots and the groups where they
// diverge.
func (r *Reconciler) digest(res *Result, src, dst []invoice.Data) {
	srcTree, dstTree := erpsync.BuildTree(src), erpsync.BuildTree(dst)
	res.Metrics.SourceDigest = erpsync.HexHash(srcTree.Root())
	res.Metrics.DestinationDigest = erpsync.HexHash(dstTree.Root())

	srcOnly, dstOnly, divergent := srcTree.Diff(dstTree)
	var groups []string
	for _, keys := range [][]erpsync.GroupKey{srcOnly, dstOnly, divergent} {
		for _, key := range keys {
			groups = append(groups, key.String())
		}
	}
	sort.Strings(groups)
	res.Metrics.DivergentGroups = groups
}

// correct applies the fixes of safely reversible discrepancies.
func (r *Reconciler) correct(ctx context.Context, res *Result) {
	if r.deps.Corrector == nil {
		r.addError(res, "auto-correction requested but no corrector is configured")
		return
	}
	for i := range res.Discrepancies {
		d := &res.Discrepancies[i]
		if d.Fix == nil || !d.Check.correctable() || d.Side != SideDestination {
			continue
		}
		if d.Severity != SeverityInfo && d.Severity != SeverityWarning {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		at := r.now()
		fix := *d.Fix
		fix.At = at
		if err := r.deps.Corrector.ApplyCorrection(ctx, res.SourceType, fix); err != nil {
			r.addError(res, fmt.Sprintf("correct %s %s: %v", d.EntityID, d.Field, err))
			continue
		}
		d.Fix = &fix
		d.Corrected = true
		d.CorrectedAt = &at
		res.CorrectionsApplied++
	}
}

func (r *Reconciler) finish(log *zap.SugaredLogger, res *Result, runErr error) (*Result, error) {
	now := r.now()
	res.CompletedAt = &now
	res.Metrics.DurationMS = now.Sub(res.StartedAt).Milliseconds()
	res.Summary = summarize(res.Discrepancies)

	switch {
	case runErr == nil:
		res.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled):
		res.Status = StatusCancelled
		runErr = errors.Wrap(errors.ErrCancelled, "reconciliation cancelled")
		r.addError(res, runErr.Error())
	default:
		res.Status = StatusFailed
		r.addError(res, runErr.Error())
	}

	if r.cfg.ReportsEnabled && r.deps.Reports != nil {
		res.ReportPath = r.deps.Reports.Path(res.ID)
		if err := r.deps.Reports.Put(res.ID, res); err != nil {
			res.ReportPath = ""
			r.addError(res, fmt.Sprintf("report: %v", err))
			log.Warnw("Failed to write reconciliation report", logger.FieldError, err)
		}
	}

	r.publish(res)
	r.metrics.RecordReconciliation(string(res.Status), res.CorrectionsApplied)
	for i := range res.Discrepancies {
		r.metrics.RecordDiscrepancy(string(res.Discrepancies[i].Check), string(res.Discrepancies[i].Severity))
	}

	if runErr != nil {
		log.Errorw("Reconciliation ended", logger.FieldStatus, res.Status, logger.FieldError, runErr)
		return res.clone(), runErr
	}
	log.Infow("Reconciliation completed",
		"records_checked", res.RecordsChecked,
		"discrepancies", res.Summary.Total,
		"corrections", res.CorrectionsApplied,
		logger.FieldDurationMS, res.Metrics.DurationMS,
	)
	return res.clone(), nil
}

func (r *Reconciler) addError(res *Result, msg string) {
	switch {
	case len(res.Errors) < r.cfg.MaxErrors:
		res.Errors = append(res.Errors, msg)
	case len(res.Errors) == r.cfg.MaxErrors:
		res.Errors = append(res.Errors, "further errors omitted")
	}
}

// LoadReport reads a stored report document.
func LoadReport(reports *docstore.Store, id string) (*Result, error) {
	var res Result
	if err := reports.Get(id, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
