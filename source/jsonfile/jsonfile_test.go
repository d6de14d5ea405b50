package jsonfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/source/memory"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoadsArraysAndDocuments(t *testing.T) {
	dir := t.TempDir()
	records := memory.Generate("INV", 4, start)

	writeJSON(t, filepath.Join(dir, "01-base.json"), records[:3])

	updated := records[0]
	updated.Status = invoice.StatusPaid
	writeJSON(t, filepath.Join(dir, "02-delta.json"), export{
		Invoices: []invoice.Data{updated, records[3]},
		Deleted: []source.Tombstone{{
			RecordID:  "old-1",
			Kind:      source.TombstoneDeleted,
			DeletedAt: start.Add(time.Hour),
		}},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644))

	a := New("files", dir, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect(ctx)

	n, err := a.Count(ctx, invoice.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := a.Extract(ctx, invoice.Filter{PageSize: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, invoice.StatusPaid, got[0].Status, "later export wins")

	ts, err := a.ExtractDeleted(ctx, start)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "old-1", ts[0].RecordID)
}

func TestMissingDirectory(t *testing.T) {
	a := New("files", filepath.Join(t.TempDir(), "absent"), nil)

	ok, err := a.TestConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	err = a.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, source.KindConnection, source.Classify(err))
}

func TestCorruptExport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	a := New("files", dir, nil)
	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, source.KindValidation, source.Classify(err))
	assert.False(t, source.IsRetryable(err))
}

func TestExtractWithoutSession(t *testing.T) {
	a := New("files", t.TempDir(), nil)
	_, err := a.Extract(context.Background(), invoice.Filter{})
	assert.Equal(t, source.KindConnection, source.Classify(err))
}
