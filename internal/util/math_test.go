package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 3, CeilDiv(250, 100))
	assert.Equal(t, 2, CeilDiv(200, 100))
	assert.Equal(t, 0, CeilDiv(0, 100))
	assert.Equal(t, 1, CeilDiv(1, 100))
	assert.Equal(t, 0, CeilDiv(10, 0))
}

func TestBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, 1*time.Second, Backoff(base, time.Minute, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, time.Minute, 1))
	assert.Equal(t, 8*time.Second, Backoff(base, time.Minute, 3))
	assert.Equal(t, time.Minute, Backoff(base, time.Minute, 10))
	assert.Equal(t, 1024*time.Second, Backoff(base, 0, 10))
}

func TestTimePtrUTC(t *testing.T) {
	local := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	got := TimePtrUTC(local)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))
}
