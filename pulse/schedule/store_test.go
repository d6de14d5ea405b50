package schedule

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/internal/docstore"
)

func TestStore_SaveGetDelete(t *testing.T) {
	docs, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	store := NewStore(docs)

	job := validJob()
	job.State = StateActive
	job.CreatedAt = t0
	next := t0.Add(time.Hour)
	job.NextExecution = &next
	require.NoError(t, store.Save(job))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Schedule, got.Schedule)
	assert.True(t, got.NextExecution.Equal(next))

	require.NoError(t, store.Delete(job.ID))
	_, err = store.Get(job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_LoadAll(t *testing.T) {
	docs, err := docstore.Open(t.TempDir())
	require.NoError(t, err)
	store := NewStore(docs)

	for i, id := range []string{"job-c", "job-a", "job-b"} {
		j := validJob()
		j.ID = id
		j.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(j))
	}

	jobs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"job-c", "job-a", "job-b"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	require.NoError(t, os.WriteFile(docs.Path("job-broken"), []byte("{not json"), 0o644))
	jobs, err = store.LoadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job-broken")
	assert.Len(t, jobs, 3, "readable jobs still load")
}
