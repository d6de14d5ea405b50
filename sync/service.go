package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/extract"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
)

// Config tunes the sync service.
type Config struct {
	Overlap   time.Duration // re-covered window before the last watermark
	PageSize  int           // extraction page size; zero uses the coordinator's
	MaxErrors int           // error entries kept per run
}

// DefaultConfig returns the standard sync settings.
func DefaultConfig() Config {
	return Config{
		Overlap:   5 * time.Minute,
		MaxErrors: 100,
	}
}

// Service detects changes at a source and applies them to the destination.
// At most one run per source type is in flight.
type Service struct {
	coord   *extract.Coordinator
	dest    Destination
	states  *StateStore
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	results map[string]*Result
	running map[source.Type]string
}

// NewService creates a sync service. Zero fields in cfg take defaults;
// a negative Overlap disables the overlap window.
func NewService(coord *extract.Coordinator, dest Destination, states *StateStore, cfg Config, log *zap.SugaredLogger) *Service {
	def := DefaultConfig()
	if cfg.Overlap == 0 {
		cfg.Overlap = def.Overlap
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	if log == nil {
		log = logger.ComponentLogger("sync")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		coord:   coord,
		dest:    dest,
		states:  states,
		cfg:     cfg,
		logger:  logger.WithSymbol(log, sym.Sync),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		results: make(map[string]*Result),
		running: make(map[source.Type]string),
	}
}

// SetMetrics attaches a metrics collector.
func (s *Service) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Sync starts a run in the background and returns its id. The run outlives
// ctx; Close cancels it.
func (s *Service) Sync(ctx context.Context, sourceType source.Type, forceFull bool) (string, error) {
	res, err := s.reserve(sourceType, forceFull)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		s.execute(runCtx, res, forceFull)
	}()
	return res.ID, nil
}

// Run performs a sync and waits for it. The returned error is the run's
// failure, if any; the result is returned in both cases.
func (s *Service) Run(ctx context.Context, sourceType source.Type, forceFull bool) (*Result, error) {
	res, err := s.reserve(sourceType, forceFull)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, res, forceFull)
}

// Close cancels background runs and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Status returns a copy of the run's result.
func (s *Service) Status(id string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return nil, errors.NewNotFoundError("sync run %s", id)
	}
	return res.clone(), nil
}

// Results returns copies of all retained results, newest first.
func (s *Service) Results() []*Result {
	s.mu.Lock()
	out := make([]*Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// State returns the stored sync state of sourceType. A source that never
// synced yields a zero state.
func (s *Service) State(sourceType source.Type) (*State, error) {
	return s.states.Load(sourceType)
}

// Reset forgets the state and hash index of sourceType so the next run is
// full. It fails while a run on that source is in flight.
func (s *Service) Reset(sourceType source.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, busy := s.running[sourceType]; busy {
		return errors.WithDetail(
			errors.NewConflictError("sync of %s is running", sourceType),
			fmt.Sprintf("Sync ID: %s", id))
	}
	if err := s.states.Delete(sourceType); err != nil {
		return err
	}
	s.logger.Infow("Sync state reset", logger.FieldSourceType, string(sourceType))
	return nil
}

// CleanupResults drops finished results completed more than olderThan ago.
func (s *Service) CleanupResults(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.results {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(s.results, id)
			removed++
		}
	}
	return removed
}

// reserve registers a pending run, refusing a second run on the same source.
func (s *Service) reserve(sourceType source.Type, forceFull bool) (*Result, error) {
	if _, err := s.coord.Adapter(sourceType); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, busy := s.running[sourceType]; busy {
		return nil, errors.WithDetail(
			errors.NewConflictError("sync of %s already running", sourceType),
			fmt.Sprintf("Sync ID: %s", id))
	}

	res := &Result{
		ID:         uuid.NewString(),
		SourceType: sourceType,
		Mode:       ModeIncremental,
		Status:     StatusPending,
		StartedAt:  s.now(),
	}
	if forceFull {
		res.Mode = ModeFull
	}
	s.results[res.ID] = res.clone()
	s.running[sourceType] = res.ID
	return res, nil
}

// publish stores a snapshot of the run's progress.
func (s *Service) publish(res *Result) {
	s.mu.Lock()
	s.results[res.ID] = res.clone()
	s.mu.Unlock()
}

func (s *Service) release(res *Result) {
	s.mu.Lock()
	s.results[res.ID] = res.clone()
	if s.running[res.SourceType] == res.ID {
		delete(s.running, res.SourceType)
	}
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, res *Result, forceFull bool) (*Result, error) {
	sourceType := res.SourceType
	log := s.logger.With(logger.FieldSyncID, res.ID, logger.FieldSourceType, string(sourceType))

	state, err := s.states.Load(sourceType)
	if err != nil {
		return s.finish(log, res, nil, err)
	}
	index, err := s.states.LoadIndex(sourceType)
	if err != nil {
		return s.finish(log, res, state, err)
	}

	// Full when forced or when no watermark exists yet.
	var since time.Time
	if forceFull || state.LastSyncTimestamp == nil {
		res.Mode = ModeFull
	} else {
		res.Mode = ModeIncremental
		since = state.LastSyncTimestamp.Add(-s.cfg.Overlap)
		res.Since = &since
	}
	res.Status = StatusRunning
	started := s.now()
	s.publish(res)
	log.Infow("Sync started", logger.FieldMode, res.Mode, logger.FieldSince, res.Since)

	sess, err := s.coord.Open(ctx, sourceType)
	if err != nil {
		return s.finish(log, res, state, err)
	}
	defer sess.Close(ctx)

	filter := invoice.Filter{IncludeDraft: true, IncludeCancelled: true, PageSize: s.cfg.PageSize}
	if res.Mode == ModeIncremental {
		filter = filter.WithUpdatedSince(since)
	}
	extraction, records, err := s.coord.ExtractAll(ctx, sourceType, filter)
	if extraction != nil {
		res.ExtractionID = extraction.ID
	}
	if err != nil {
		return s.finish(log, res, state, errors.Wrap(err, "extraction failed"))
	}
	res.Extracted = len(records)
	res.Invalid = extraction.FailedRecords
	for _, msg := range extraction.Errors {
		s.addError(res, msg)
	}

	// Tombstones are read from the previous watermark (with overlap) so
	// deletions since the last successful run are not missed.
	var tombSince time.Time
	if state.LastSyncTimestamp != nil {
		tombSince = state.LastSyncTimestamp.Add(-s.cfg.Overlap)
	}
	tombstones, _, err := sess.Tombstones(ctx, tombSince)
	if err != nil {
		return s.finish(log, res, state, errors.Wrap(err, "tombstone extraction failed"))
	}

	// An incomplete snapshot cannot prove absence.
	infer := res.Mode == ModeFull && res.Invalid == 0
	if res.Mode == ModeFull && res.Invalid > 0 {
		s.addError(res, fmt.Sprintf("deletion inference skipped: %d records failed validation", res.Invalid))
	}

	changes, skipped := Detect(index, records, tombstones, infer, s.now())
	res.Skipped = skipped
	log.Debugw("Changes detected", logger.FieldCount, len(changes), "skipped", skipped)

	next := index.clone()
	for i := range changes {
		if err := ctx.Err(); err != nil {
			return s.finish(log, res, state, errors.Wrap(errors.ErrCancelled, "sync interrupted"))
		}
		if err := s.apply(ctx, next, &changes[i], res); err != nil {
			res.Failed++
			s.addError(res, fmt.Sprintf("%s %s: %v", changes[i].Kind, changes[i].RecordID, err))
		}
	}
	if res.Failed > 0 {
		return s.finish(log, res, state, errors.Newf("%d of %d changes failed to apply", res.Failed, len(changes)))
	}

	res.Digest = HexHash(next.Tree().Root())
	if err := s.advance(state, next, res, records, started); err != nil {
		return s.finish(log, res, state, err)
	}
	return s.finish(log, res, nil, nil)
}

// Detect compares a snapshot and the source's tombstones against the hash
// index. It returns the changes in application order and how many records
// were unchanged. Absent ids are reported deleted only when inferDeletions
// is set, which callers do for complete snapshots.
func Detect(index Index, records []invoice.Data, tombstones []source.Tombstone, inferDeletions bool, now time.Time) ([]Change, int) {
	var changes []Change
	skipped := 0
	seen := make(map[string]bool, len(records))

	for i := range records {
		d := &records[i]
		seen[d.ID] = true
		current := ContentHashHex(d)
		prev, known := index[d.ID]
		switch {
		case !known:
			changes = append(changes, Change{
				RecordID: d.ID, Kind: ChangeCreated, DetectedAt: now,
				CurrentHash: current, Record: d,
			})
		case prev.Hash != current:
			changes = append(changes, Change{
				RecordID: d.ID, Kind: ChangeUpdated, DetectedAt: now,
				CurrentHash: current, PreviousHash: prev.Hash, Record: d,
			})
		default:
			skipped++
		}
	}

	gone := make(map[string]bool)
	for _, t := range tombstones {
		prev, known := index[t.RecordID]
		// A record deleted and recreated since is present in the snapshot.
		if !known || seen[t.RecordID] || gone[t.RecordID] {
			continue
		}
		gone[t.RecordID] = true
		c := Change{RecordID: t.RecordID, Kind: ChangeDeleted, DetectedAt: now, PreviousHash: prev.Hash}
		if t.Kind == source.TombstoneMoved {
			c.Kind = ChangeMoved
			c.MovedTo = t.MovedTo
		}
		changes = append(changes, c)
	}

	if inferDeletions {
		for _, id := range index.IDs() {
			if seen[id] || gone[id] {
				continue
			}
			changes = append(changes, Change{
				RecordID: id, Kind: ChangeDeleted, DetectedAt: now, PreviousHash: index[id].Hash,
			})
		}
	}
	return changes, skipped
}

// apply writes one change to the destination and to the pending index.
func (s *Service) apply(ctx context.Context, next Index, c *Change, res *Result) error {
	switch c.Kind {
	case ChangeCreated:
		if err := s.dest.Upsert(ctx, res.SourceType, c.Record); err != nil {
			return err
		}
		next[c.RecordID] = entryFor(c.Record)
		res.Created++

	case ChangeUpdated:
		if err := s.applyUpdate(ctx, next[c.RecordID], c, res); err != nil {
			return err
		}
		next[c.RecordID] = entryFor(c.Record)
		res.Updated++

	case ChangeDeleted, ChangeMoved:
		if err := s.dest.Delete(ctx, res.SourceType, c.RecordID); err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		delete(next, c.RecordID)
		if c.Kind == ChangeMoved {
			res.Moved++
		} else {
			res.Deleted++
		}

	default:
		return errors.Newf("unknown change kind %q", c.Kind)
	}
	return nil
}

// applyUpdate overwrites the destination copy unless it was changed there
// since the last sync, in which case the conflict is resolved first.
func (s *Service) applyUpdate(ctx context.Context, base IndexEntry, c *Change, res *Result) error {
	local, err := s.dest.Get(ctx, res.SourceType, c.RecordID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return s.dest.Upsert(ctx, res.SourceType, c.Record)
		}
		return err
	}

	localHash := ContentHashHex(local)
	switch localHash {
	case c.CurrentHash:
		return nil
	case base.Hash:
		return s.dest.Upsert(ctx, res.SourceType, c.Record)
	}

	resolution := Resolve(base, local, c.Record, s.now())
	res.Conflicts++
	res.Resolutions = append(res.Resolutions, resolution)
	s.metrics.RecordConflict(string(res.SourceType), string(resolution.Strategy))
	s.logger.Infow("Conflict resolved",
		logger.FieldSyncID, res.ID,
		logger.FieldRecordID, c.RecordID,
		"strategy", resolution.Strategy,
		"winner", resolution.Winner,
	)
	if resolution.Record == nil {
		return nil
	}
	return s.dest.Upsert(ctx, res.SourceType, resolution.Record)
}

// advance persists the new index and watermark after a successful run.
func (s *Service) advance(state *State, next Index, res *Result, records []invoice.Data, started time.Time) error {
	updated := state.clone()
	now := s.now()
	updated.LastSyncTimestamp = &started
	updated.LastSequence++
	updated.LastHash = res.Digest
	updated.SyncedCount += int64(res.Applied())
	updated.LastAttemptAt = &now
	updated.LastError = ""
	if updated.Watermarks == nil {
		updated.Watermarks = make(map[string]string)
	}
	updated.Watermarks[WatermarkLastSyncID] = res.ID
	updated.Watermarks[WatermarkRecordCount] = strconv.Itoa(len(next))
	if maxUpdated := latestUpdate(records); !maxUpdated.IsZero() {
		prev, _ := time.Parse(time.RFC3339Nano, updated.Watermarks[WatermarkMaxUpdatedAt])
		if maxUpdated.After(prev) {
			updated.Watermarks[WatermarkMaxUpdatedAt] = maxUpdated.UTC().Format(time.RFC3339Nano)
		}
	}

	if err := s.states.SaveIndex(res.SourceType, next); err != nil {
		return err
	}
	return s.states.Save(updated)
}

func latestUpdate(records []invoice.Data) time.Time {
	var latest time.Time
	for i := range records {
		if records[i].UpdatedAt.After(latest) {
			latest = records[i].UpdatedAt
		}
	}
	return latest
}

// finish completes the run. On failure only the attempt bookkeeping of the
// state changes; the watermark and index stay as they were.
func (s *Service) finish(log *zap.SugaredLogger, res *Result, state *State, runErr error) (*Result, error) {
	now := s.now()
	res.CompletedAt = &now

	if runErr == nil {
		res.Status = StatusCompleted
		s.release(res)
		s.metrics.RecordSync(string(res.SourceType), string(res.Status), res.changeCounts())
		log.Infow("Sync completed",
			logger.FieldMode, res.Mode,
			"created", res.Created,
			"updated", res.Updated,
			"deleted", res.Deleted,
			"moved", res.Moved,
			"skipped", res.Skipped,
			"conflicts", res.Conflicts,
			logger.FieldDurationMS, now.Sub(res.StartedAt).Milliseconds(),
		)
		return res.clone(), nil
	}

	res.Status = StatusFailed
	s.addError(res, runErr.Error())
	if state != nil {
		failed := state.clone()
		failed.FailureCount++
		failed.LastAttemptAt = &now
		failed.LastError = runErr.Error()
		if err := s.states.Save(failed); err != nil {
			log.Warnw("Failed to record sync failure", logger.FieldError, err)
		}
	}
	s.release(res)
	s.metrics.RecordSync(string(res.SourceType), string(res.Status), res.changeCounts())
	log.Errorw("Sync failed",
		logger.FieldError, runErr,
		logger.FieldErrorKind, source.Classify(runErr),
	)
	return res.clone(), runErr
}

func (s *Service) addError(res *Result, msg string) {
	switch {
	case len(res.Errors) < s.cfg.MaxErrors:
		res.Errors = append(res.Errors, msg)
	case len(res.Errors) == s.cfg.MaxErrors:
		res.Errors = append(res.Errors, "further errors omitted")
	}
}
