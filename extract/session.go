package extract

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
)

// conn reference-counts the open scopes on one source so concurrent
// callers share a session and the last one out disconnects. calls admits
// one adapter data call at a time: scopes share the session, never an
// in-flight call.
type conn struct {
	mu    sync.Mutex
	refs  int
	calls *semaphore.Weighted
}

// Session is a scoped connection to one source. Every data call is bounded
// by the coordinator timeout and returns errors classified by source.Kind.
// Close must be called on every exit path.
type Session struct {
	c          *Coordinator
	sourceType source.Type
	adapter    source.Adapter
	conn       *conn
	closeOnce  sync.Once
}

// Open connects to sourceType, or joins a session already open on it.
func (c *Coordinator) Open(ctx context.Context, sourceType source.Type) (*Session, error) {
	adapter, err := c.registry.Get(sourceType)
	if err != nil {
		return nil, err
	}

	cn := c.connFor(sourceType)
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.refs == 0 {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := adapter.Connect(connectCtx)
		timedOut := connectCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil {
			return nil, c.mapErr(sourceType, "connect", err, timedOut)
		}
		c.logger.Debugw("Source connected", logger.FieldSourceType, string(sourceType))
	}
	cn.refs++

	return &Session{c: c, sourceType: sourceType, adapter: adapter, conn: cn}, nil
}

func (c *Coordinator) connFor(sourceType source.Type) *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[sourceType]
	if !ok {
		cn = &conn{calls: semaphore.NewWeighted(1)}
		c.conns[sourceType] = cn
	}
	return cn
}

// SourceType returns the source the session is open on.
func (s *Session) SourceType() source.Type {
	return s.sourceType
}

// Close leaves the session, disconnecting when no other scope holds it.
// Disconnect failures are logged, not returned.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.conn.mu.Lock()
		defer s.conn.mu.Unlock()

		s.conn.refs--
		if s.conn.refs > 0 {
			return
		}
		s.conn.refs = 0

		// Disconnect even when the caller's context is already cancelled.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.c.cfg.ProbeTimeout)
		defer cancel()
		if err := s.adapter.Disconnect(dctx); err != nil {
			s.c.logger.Warnw("Failed to disconnect source",
				logger.FieldSourceType, string(s.sourceType),
				logger.FieldError, err,
			)
			return
		}
		s.c.logger.Debugw("Source disconnected", logger.FieldSourceType, string(s.sourceType))
	})
}

// acquire waits for the connection to be free of other calls. The call
// timeout starts once it is held.
func (s *Session) acquire(ctx context.Context, op string) (func(), error) {
	if err := s.conn.calls.Acquire(ctx, 1); err != nil {
		return nil, source.Wrap(s.sourceType, op, err)
	}
	return func() { s.conn.calls.Release(1) }, nil
}

// Extract fetches one page of records.
func (s *Session) Extract(ctx context.Context, filter invoice.Filter) ([]invoice.Data, error) {
	if err := filter.Validate(); err != nil {
		return nil, source.NewError(source.KindValidation, s.sourceType, "extract", err)
	}
	release, err := s.acquire(ctx, "extract")
	if err != nil {
		return nil, err
	}
	defer release()
	callCtx, cancel := context.WithTimeout(ctx, s.c.cfg.Timeout)
	defer cancel()

	records, err := s.adapter.Extract(callCtx, filter)
	if err != nil {
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return nil, s.c.mapErr(s.sourceType, "extract", err, timedOut)
	}
	if filter.PageSize > 0 && len(records) > filter.PageSize {
		records = records[:filter.PageSize]
	}
	return records, nil
}

// Count returns how many records match filter.
func (s *Session) Count(ctx context.Context, filter invoice.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, source.NewError(source.KindValidation, s.sourceType, "count", err)
	}
	release, err := s.acquire(ctx, "count")
	if err != nil {
		return 0, err
	}
	defer release()
	callCtx, cancel := context.WithTimeout(ctx, s.c.cfg.Timeout)
	defer cancel()

	n, err := s.adapter.Count(callCtx, filter)
	if err != nil {
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return 0, s.c.mapErr(s.sourceType, "count", err, timedOut)
	}
	return n, nil
}

// Tombstones returns the deletions the source logged since the given time.
// ok is false when the source keeps no deletion log.
func (s *Session) Tombstones(ctx context.Context, since time.Time) (ts []source.Tombstone, ok bool, err error) {
	feed, ok := source.Tombstones(s.adapter)
	if !ok {
		return nil, false, nil
	}
	release, err := s.acquire(ctx, "extract_deleted")
	if err != nil {
		return nil, true, err
	}
	defer release()
	callCtx, cancel := context.WithTimeout(ctx, s.c.cfg.Timeout)
	defer cancel()

	ts, err = feed.ExtractDeleted(callCtx, since)
	if err != nil {
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return nil, true, s.c.mapErr(s.sourceType, "extract_deleted", err, timedOut)
	}
	return ts, true, nil
}

// mapErr classifies an adapter failure. A call that ran out its own
// deadline is a timeout regardless of what the adapter returned.
func (c *Coordinator) mapErr(sourceType source.Type, op string, err error, timedOut bool) error {
	if timedOut {
		return source.NewError(source.KindTimeout, sourceType, op,
			errors.Wrapf(errors.ErrTimeout, "exceeded %s", c.cfg.Timeout))
	}
	return source.Wrap(sourceType, op, err)
}
