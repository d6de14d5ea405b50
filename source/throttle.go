package source

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/erpsync/invoice"
)

// Throttled wraps an Adapter so data calls wait for a rate-limiter token.
// Connect, Disconnect and probes pass straight through.
type Throttled struct {
	Adapter
	limiter *rate.Limiter
}

// Throttle limits Extract and Count on adapter to rps calls per second with
// the given burst. A non-positive rps returns adapter unchanged.
func Throttle(adapter Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return adapter
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		Adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (t *Throttled) wait(ctx context.Context, op string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return NewError(KindTimeout, "", op, ctx.Err())
		}
		return NewError(KindRateLimit, "", op, err)
	}
	return nil
}

// Extract waits for a token then delegates.
func (t *Throttled) Extract(ctx context.Context, filter invoice.Filter) ([]invoice.Data, error) {
	if err := t.wait(ctx, "extract"); err != nil {
		return nil, err
	}
	return t.Adapter.Extract(ctx, filter)
}

// Count waits for a token then delegates.
func (t *Throttled) Count(ctx context.Context, filter invoice.Filter) (int, error) {
	if err := t.wait(ctx, "count"); err != nil {
		return 0, err
	}
	return t.Adapter.Count(ctx, filter)
}

// ExtractDeleted forwards to the wrapped adapter when it keeps a deletion
// log, so throttling does not hide the capability.
func (t *Throttled) ExtractDeleted(ctx context.Context, since time.Time) ([]Tombstone, error) {
	ts, ok := t.Adapter.(TombstoneSource)
	if !ok {
		return nil, nil
	}
	if err := t.wait(ctx, "extract_deleted"); err != nil {
		return nil, err
	}
	return ts.ExtractDeleted(ctx, since)
}

// Unwrap returns the throttled adapter.
func (t *Throttled) Unwrap() Adapter {
	return t.Adapter
}

// Tombstones returns adapter as a TombstoneSource when it, or the adapter it
// throttles, keeps a deletion log.
func Tombstones(adapter Adapter) (TombstoneSource, bool) {
	if t, ok := adapter.(*Throttled); ok {
		adapter = t.Adapter
	}
	ts, ok := adapter.(TombstoneSource)
	return ts, ok
}
