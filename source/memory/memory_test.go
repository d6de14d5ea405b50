package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestExtractRequiresSession(t *testing.T) {
	ctx := context.Background()
	a := New("mem", Generate("INV", 5, start)...)

	_, err := a.Extract(ctx, invoice.Filter{})
	require.Error(t, err)
	assert.Equal(t, source.KindConnection, source.Classify(err))

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	records, err := a.Extract(ctx, invoice.Filter{PageSize: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "INV-000003", records[0].Number)

	n, err := a.Count(ctx, invoice.Filter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, a.Disconnect(ctx))
	connects, disconnects, extracts := a.Stats()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, extracts)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	a := New("mem", Generate("INV", 1, start)...)
	require.NoError(t, a.Connect(ctx))

	a.FailNext(OpExtract, fmt.Errorf("connection reset"), 1)
	_, err := a.Extract(ctx, invoice.Filter{})
	require.Error(t, err)
	assert.True(t, source.IsRetryable(err))

	_, err = a.Extract(ctx, invoice.Filter{})
	assert.NoError(t, err)
}

func TestInvalidCredentials(t *testing.T) {
	a := New("mem")
	a.SetCredentialsValid(false)

	ok, err := a.ValidateCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	err = a.Connect(context.Background())
	assert.Equal(t, source.KindAuthentication, source.Classify(err))
}

func TestTombstones(t *testing.T) {
	ctx := context.Background()
	a := New("mem", Generate("INV", 3, start)...)
	a.SetClock(func() time.Time { return start.Add(time.Hour) })
	require.NoError(t, a.Connect(ctx))

	a.Remove("INV-id-000001")
	a.Move("INV-id-000002", "INV-id-000099")
	a.Remove("missing")

	ts, err := a.ExtractDeleted(ctx, start)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, source.TombstoneDeleted, ts[0].Kind)
	assert.Equal(t, source.TombstoneMoved, ts[1].Kind)
	assert.Equal(t, "INV-id-000099", ts[1].MovedTo)

	ts, err = a.ExtractDeleted(ctx, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Len(t, a.Records(), 2)
}

func TestLatencyHonoursCancellation(t *testing.T) {
	a := New("mem")
	a.SetLatency(time.Minute)
	require.NoError(t, a.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Extract(ctx, invoice.Filter{})
	require.Error(t, err)
	assert.Equal(t, source.KindTimeout, source.Classify(err))
}

func TestGenerateIsConsistent(t *testing.T) {
	for _, r := range Generate("X", 10, start) {
		require.NoError(t, r.Validate())
		assert.True(t, r.ExpectedTotal().Equal(r.TotalAmount), r.Number)
	}
}
