package docstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGet(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("job-1", doc{Name: "first", Count: 1}))
	require.NoError(t, s.Put("job-1", doc{Name: "second", Count: 2}))

	var got doc
	require.NoError(t, s.Get("job-1", &got))
	assert.Equal(t, doc{Name: "second", Count: 2}, got)
	assert.True(t, s.Exists("job-1"))
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	var got doc
	err = s.Get("nope", &got)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))

	var got doc
	err = s.Get("bad", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestInvalidIDs(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.True(t, errors.IsInvalidRequestError(s.Put(id, doc{})), id)
	}
	assert.False(t, s.Exists("../x"))
}

func TestListIgnoresTempAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put("b", doc{}))
	require.NoError(t, s.Put("a", doc{}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".c.123.tmp"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("x", doc{}))
	require.NoError(t, s.Delete("x"))
	require.NoError(t, s.Delete("x"))
	assert.False(t, s.Exists("x"))
}

func TestPrune(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("old", doc{}))
	require.NoError(t, s.Put("kept", doc{}))
	require.NoError(t, s.Put("new", doc{}))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(s.Path("old"), past, past))
	require.NoError(t, os.Chtimes(s.Path("kept"), past, past))

	removed, err := s.Prune(time.Now().Add(-24*time.Hour), func(id string) bool { return id == "kept" })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"kept", "new"}, ids)
}
