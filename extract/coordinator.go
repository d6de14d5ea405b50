// Package extract coordinates extraction calls against registered sources.
//
// The Coordinator owns the adapter registry and the extraction results. Every
// call runs inside a scoped session (connect, call, disconnect on every exit
// path) and is bounded by a timeout. Records failing validation are counted
// as failed rather than aborting the extraction, leaving the result partial.
package extract

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
)

// Config bounds coordinator calls.
type Config struct {
	Timeout      time.Duration // per extraction call
	ProbeTimeout time.Duration // connection tests and credential checks
	PageSize     int           // ExtractAll page size when the filter sets none
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:      300 * time.Second,
		ProbeTimeout: 10 * time.Second,
		PageSize:     500,
	}
}

// Coordinator mediates every extraction.
type Coordinator struct {
	registry *source.Registry
	cfg      Config
	logger   *zap.SugaredLogger
	metrics  *metrics.Collector
	now      func() time.Time

	mu      sync.Mutex
	results map[string]*Result
	conns   map[source.Type]*conn
}

// NewCoordinator creates a coordinator with an empty registry.
// Zero fields in cfg fall back to DefaultConfig.
func NewCoordinator(cfg Config, log *zap.SugaredLogger) *Coordinator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if log == nil {
		log = logger.ComponentLogger("extract")
	}
	return &Coordinator{
		registry: source.NewRegistry(),
		cfg:      cfg,
		logger:   logger.WithSymbol(log, sym.IX),
		now:      time.Now,
		results:  make(map[string]*Result),
		conns:    make(map[source.Type]*conn),
	}
}

// SetMetrics attaches a metrics collector.
func (c *Coordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// SetClock overrides the clock used to stamp results.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Register adds an adapter for sourceType. Registering a type twice fails.
func (c *Coordinator) Register(sourceType source.Type, adapter source.Adapter) error {
	if err := c.registry.Register(sourceType, adapter); err != nil {
		return err
	}
	c.logger.Infow("Source registered", logger.FieldSourceType, string(sourceType))
	return nil
}

// SourceTypes lists registered source types.
func (c *Coordinator) SourceTypes() []source.Type {
	return c.registry.Types()
}

// Adapter returns the adapter registered for sourceType.
func (c *Coordinator) Adapter(sourceType source.Type) (source.Adapter, error) {
	return c.registry.Get(sourceType)
}

// Extract runs a single extraction call and returns the valid records.
func (c *Coordinator) Extract(ctx context.Context, sourceType source.Type, filter invoice.Filter) (*Result, []invoice.Data, error) {
	return c.run(ctx, sourceType, filter, false)
}

// ExtractAll walks every page matching filter inside one session, stopping
// at the first short page.
func (c *Coordinator) ExtractAll(ctx context.Context, sourceType source.Type, filter invoice.Filter) (*Result, []invoice.Data, error) {
	return c.run(ctx, sourceType, filter, true)
}

func (c *Coordinator) run(ctx context.Context, sourceType source.Type, filter invoice.Filter, paginate bool) (*Result, []invoice.Data, error) {
	if !c.registry.Has(sourceType) {
		return nil, nil, errors.NewNotFoundError("no adapter registered for source type %s", sourceType)
	}
	if err := filter.Validate(); err != nil {
		return nil, nil, err
	}

	res := c.begin(sourceType)
	log := c.logger.With(
		logger.FieldExtractionID, res.ID,
		logger.FieldSourceType, string(sourceType),
	)
	log.Infow("Extraction started", "paginate", paginate)

	sess, err := c.Open(ctx, sourceType)
	if err != nil {
		return c.fail(log, res, err), nil, err
	}
	defer sess.Close(ctx)

	var raw []invoice.Data
	if paginate {
		raw, err = c.walk(ctx, sess, filter)
	} else {
		raw, err = sess.Extract(ctx, filter)
	}
	if err != nil {
		return c.fail(log, res, err), nil, err
	}

	valid := c.accept(res, raw)
	return c.complete(log, res), valid, nil
}

func (c *Coordinator) walk(ctx context.Context, sess *Session, filter invoice.Filter) ([]invoice.Data, error) {
	size := filter.PageSize
	if size <= 0 {
		size = c.cfg.PageSize
	}

	var all []invoice.Data
	for offset := filter.Offset; ; offset += size {
		if err := ctx.Err(); err != nil {
			return nil, source.Wrap(sess.SourceType(), "extract", err)
		}
		page, err := sess.Extract(ctx, filter.WithPage(offset, size))
		if err != nil {
			return nil, errors.Wrapf(err, "page at offset %d", offset)
		}
		all = append(all, page...)
		if len(page) < size {
			return all, nil
		}
	}
}

func (c *Coordinator) begin(sourceType source.Type) *Result {
	res := &Result{
		ID:         uuid.NewString(),
		SourceType: sourceType,
		Status:     StatusPending,
		StartedAt:  c.now(),
	}
	c.mu.Lock()
	c.results[res.ID] = res
	res.Status = StatusInProgress
	c.mu.Unlock()
	return res
}

// accept validates records, counting invalid ones as failed.
func (c *Coordinator) accept(res *Result, records []invoice.Data) []invoice.Data {
	valid := make([]invoice.Data, 0, len(records))
	var problems []string
	for i := range records {
		if err := records[i].Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		valid = append(valid, records[i])
	}

	c.mu.Lock()
	res.TotalRecords = len(records)
	res.ExtractedRecords = len(valid)
	res.FailedRecords = len(problems)
	res.Errors = append(res.Errors, problems...)
	c.mu.Unlock()
	return valid
}

func (c *Coordinator) complete(log *zap.SugaredLogger, res *Result) *Result {
	c.mu.Lock()
	now := c.now()
	res.CompletedAt = &now
	res.Status = StatusCompleted
	if res.FailedRecords > 0 {
		res.Status = StatusPartial
	}
	out := res.clone()
	c.mu.Unlock()

	c.metrics.RecordExtraction(string(out.SourceType), string(out.Status), out.ExtractedRecords, out.Duration(now))
	log.Infow("Extraction finished",
		logger.FieldStatus, out.Status,
		logger.FieldTotalCount, out.TotalRecords,
		logger.FieldFailed, out.FailedRecords,
		logger.FieldDurationMS, out.Duration(now).Milliseconds(),
	)
	return out
}

func (c *Coordinator) fail(log *zap.SugaredLogger, res *Result, err error) *Result {
	c.mu.Lock()
	now := c.now()
	res.CompletedAt = &now
	res.Status = StatusFailed
	res.Errors = append(res.Errors, err.Error())
	out := res.clone()
	c.mu.Unlock()

	c.metrics.RecordExtraction(string(out.SourceType), string(out.Status), 0, out.Duration(now))
	log.Errorw("Extraction failed",
		logger.FieldError, err,
		logger.FieldErrorKind, source.Classify(err),
	)
	return out
}

// Count returns how many records match filter on sourceType.
func (c *Coordinator) Count(ctx context.Context, sourceType source.Type, filter invoice.Filter) (int, error) {
	sess, err := c.Open(ctx, sourceType)
	if err != nil {
		return 0, err
	}
	defer sess.Close(ctx)
	return sess.Count(ctx, filter)
}

// TestConnection probes sourceType within the probe timeout. A probe that
// times out reports false without an error.
func (c *Coordinator) TestConnection(ctx context.Context, sourceType source.Type) (bool, error) {
	adapter, err := c.registry.Get(sourceType)
	if err != nil {
		return false, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	ok, err := adapter.TestConnection(probeCtx)
	if probeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		c.logger.Warnw("Connection probe timed out",
			logger.FieldSourceType, string(sourceType),
			"timeout", c.cfg.ProbeTimeout,
		)
		return false, nil
	}
	if err != nil {
		return false, source.Wrap(sourceType, "test_connection", err)
	}
	return ok, nil
}

// ValidateCredentials asks sourceType whether its credentials are accepted.
func (c *Coordinator) ValidateCredentials(ctx context.Context, sourceType source.Type) (bool, error) {
	adapter, err := c.registry.Get(sourceType)
	if err != nil {
		return false, err
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	ok, err := adapter.ValidateCredentials(probeCtx)
	if err != nil {
		timedOut := probeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return false, c.mapErr(sourceType, "validate_credentials", err, timedOut)
	}
	return ok, nil
}

// Result returns a copy of the extraction result with the given id.
func (c *Coordinator) Result(id string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[id]
	if !ok {
		return nil, errors.NewNotFoundError("extraction %s", id)
	}
	return res.clone(), nil
}

// Results returns copies of every retained result, oldest first.
func (c *Coordinator) Results() []*Result {
	c.mu.Lock()
	out := make([]*Result, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r.clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CleanupResults drops finished results completed more than olderThan ago
// and returns how many were removed.
func (c *Coordinator) CleanupResults(olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, r := range c.results {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(c.results, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debugw("Cleaned up extraction results", logger.FieldCount, removed)
	}
	return removed
}

// String implements fmt.Stringer for log output.
func (r *Result) String() string {
	return fmt.Sprintf("%s[%s %s %d/%d]", r.ID, r.SourceType, r.Status, r.ExtractedRecords, r.TotalRecords)
}
