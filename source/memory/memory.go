// Package memory provides an in-process source adapter.
//
// It backs tests and demos, and serves as a fixture source for the CLI.
// Failures can be injected per operation to exercise retry and error paths.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// Operation names accepted by FailNext.
const (
	OpConnect     = "connect"
	OpExtract     = "extract"
	OpCount       = "count"
	OpTest        = "test_connection"
	OpCredentials = "validate_credentials"
	OpDeleted     = "extract_deleted"
)

type injected struct {
	err   error
	times int
}

// Adapter keeps records in memory. Safe for concurrent use.
type Adapter struct {
	sourceType source.Type

	mu         sync.Mutex
	records    map[string]invoice.Data
	tombstones []source.Tombstone
	connected  bool
	validCreds bool
	failures   map[string]*injected
	latency    time.Duration
	now        func() time.Time

	connects    int
	disconnects int
	extracts    int
	inFlight    int
	maxInFlight int
}

// New creates an adapter for sourceType seeded with records.
func New(sourceType source.Type, records ...invoice.Data) *Adapter {
	a := &Adapter{
		sourceType: sourceType,
		records:    make(map[string]invoice.Data, len(records)),
		validCreds: true,
		failures:   make(map[string]*injected),
		now:        time.Now,
	}
	for _, r := range records {
		a.records[r.ID] = *r.Clone()
	}
	return a
}

// SetClock overrides the clock used to stamp tombstones.
func (a *Adapter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// SetLatency delays every data call by d, honouring cancellation.
func (a *Adapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// SetCredentialsValid controls what ValidateCredentials reports.
func (a *Adapter) SetCredentialsValid(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validCreds = ok
}

// FailNext makes the next times calls of op fail with err.
// A negative times fails every call until cleared with times == 0.
func (a *Adapter) FailNext(op string, err error, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if times == 0 {
		delete(a.failures, op)
		return
	}
	a.failures[op] = &injected{err: err, times: times}
}

// Put inserts or replaces a record.
func (a *Adapter) Put(records ...invoice.Data) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range records {
		a.records[r.ID] = *r.Clone()
	}
}

// Remove deletes a record and logs a tombstone for it.
func (a *Adapter) Remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[id]; !ok {
		return
	}
	delete(a.records, id)
	a.tombstones = append(a.tombstones, source.Tombstone{
		RecordID:  id,
		Kind:      source.TombstoneDeleted,
		DeletedAt: a.now(),
	})
}

// Move renames a record and logs a moved tombstone for the old id.
func (a *Adapter) Move(id, newID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[id]
	if !ok {
		return
	}
	delete(a.records, id)
	r.ID = newID
	a.records[newID] = r
	a.tombstones = append(a.tombstones, source.Tombstone{
		RecordID:  id,
		Kind:      source.TombstoneMoved,
		MovedTo:   newID,
		DeletedAt: a.now(),
	})
}

// Records returns a copy of every stored record in stable order.
func (a *Adapter) Records() []invoice.Data {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// Stats reports how often the adapter was connected, disconnected and
// extracted from.
func (a *Adapter) Stats() (connects, disconnects, extracts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.disconnects, a.extracts
}

// MaxInFlight reports the most data calls (Extract, Count, ExtractDeleted)
// the adapter has served at the same time.
func (a *Adapter) MaxInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight
}

// Connected reports whether a session is open.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) snapshot() []invoice.Data {
	out := make([]invoice.Data, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	invoice.Sort(out)
	return out
}

// fail consumes one injected failure for op. Caller holds a.mu.
func (a *Adapter) fail(op string) error {
	f, ok := a.failures[op]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(a.failures, op)
		}
	}
	return source.Wrap(a.sourceType, op, f.err)
}

// enter marks a data call in flight until the returned func runs.
func (a *Adapter) enter() func() {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}
}

func (a *Adapter) wait(ctx context.Context) error {
	a.mu.Lock()
	d := a.latency
	a.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) requireSession(op string) error {
	if !a.connected {
		return source.NewError(source.KindConnection, a.sourceType, op, errors.New("not connected"))
	}
	return nil
}

// Connect opens the session.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(OpConnect); err != nil {
		return err
	}
	if !a.validCreds {
		return source.NewError(source.KindAuthentication, a.sourceType, OpConnect, errors.ErrUnauthorized)
	}
	if !a.connected {
		a.connected = true
		a.connects++
	}
	return nil
}

// Disconnect closes the session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		a.connected = false
		a.disconnects++
	}
	return nil
}

// TestConnection reports whether the adapter is reachable.
func (a *Adapter) TestConnection(ctx context.Context) (bool, error) {
	if err := a.wait(ctx); err != nil {
		return false, source.Wrap(a.sourceType, OpTest, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(OpTest); err != nil {
		return false, err
	}
	return true, nil
}

// ValidateCredentials reports whether credentials are accepted.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(OpCredentials); err != nil {
		return false, err
	}
	return a.validCreds, nil
}

// Extract returns the page of records filter addresses.
func (a *Adapter) Extract(ctx context.Context, filter invoice.Filter) ([]invoice.Data, error) {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return nil, source.Wrap(a.sourceType, OpExtract, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSession(OpExtract); err != nil {
		return nil, err
	}
	if err := a.fail(OpExtract); err != nil {
		return nil, err
	}
	a.extracts++
	return filter.Apply(a.snapshot()), nil
}

// Count returns how many records filter matches.
func (a *Adapter) Count(ctx context.Context, filter invoice.Filter) (int, error) {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return 0, source.Wrap(a.sourceType, OpCount, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSession(OpCount); err != nil {
		return 0, err
	}
	if err := a.fail(OpCount); err != nil {
		return 0, err
	}
	return filter.CountMatches(a.snapshot()), nil
}

// ExtractDeleted returns tombstones logged at or after since.
func (a *Adapter) ExtractDeleted(ctx context.Context, since time.Time) ([]source.Tombstone, error) {
	defer a.enter()()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.requireSession(OpDeleted); err != nil {
		return nil, err
	}
	if err := a.fail(OpDeleted); err != nil {
		return nil, err
	}
	var out []source.Tombstone
	for _, ts := range a.tombstones {
		if !ts.DeletedAt.Before(since) {
			out = append(out, ts)
		}
	}
	return out, nil
}

var (
	_ source.Adapter         = (*Adapter)(nil)
	_ source.TombstoneSource = (*Adapter)(nil)
)
