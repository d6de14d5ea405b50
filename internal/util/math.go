// Package util holds small numeric and time helpers shared by the
// batch processor and the scheduler.
package util

import "time"

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Backoff returns base * 2^attempt capped at max. A non-positive max means uncapped.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// TimePtrUTC returns a pointer to t normalized to UTC.
func TimePtrUTC(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
