package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
	dbtest "github.com/teranos/erpsync/internal/testing"
)

func TestExecutionStore_CreateUpdateGet(t *testing.T) {
	store := NewExecutionStore(dbtest.CreateTestDB(t))
	ctx := context.Background()

	started := t0.Add(time.Second)
	exec := &Execution{
		ID:          "exec-1",
		JobID:       "job-1",
		JobType:     JobFullExtraction,
		Status:      ExecutionRunning,
		ScheduledAt: t0,
		StartedAt:   &started,
		CreatedAt:   started,
		UpdatedAt:   started,
	}
	require.NoError(t, store.Create(ctx, exec))

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
	assert.Equal(t, JobFullExtraction, got.JobType)
	assert.True(t, got.ScheduledAt.Equal(t0))
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DurationMS)
	assert.Zero(t, got.Duration())

	done := started.Add(1500 * time.Millisecond)
	ms := int64(1500)
	exec.Status = ExecutionCompleted
	exec.CompletedAt = &done
	exec.DurationMS = &ms
	exec.RetryCount = 2
	exec.Result = "extracted 42 records"
	exec.UpdatedAt = done
	require.NoError(t, store.Update(ctx, exec))

	got, err = store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "extracted 42 records", got.Result)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1500*time.Millisecond, got.Duration())
	assert.True(t, got.CompletedAt.Equal(done))
	assert.True(t, got.Status.Finished())
}

func TestExecutionStore_NotFound(t *testing.T) {
	store := NewExecutionStore(dbtest.CreateTestDB(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	err = store.Update(ctx, &Execution{ID: "missing", Status: ExecutionFailed, UpdatedAt: t0})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestExecutionStore_ListAndCount(t *testing.T) {
	store := NewExecutionStore(dbtest.CreateTestDB(t))
	ctx := context.Background()

	statuses := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionRunning, ExecutionCompleted}
	for i, st := range statuses {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, &Execution{
			ID:          "exec-" + string(rune('a'+i)),
			JobID:       "job-1",
			JobType:     JobIncrementalSync,
			Status:      st,
			ScheduledAt: at,
			CreatedAt:   at,
			UpdatedAt:   at,
		}))
	}
	require.NoError(t, store.Create(ctx, &Execution{
		ID: "other", JobID: "job-2", JobType: JobCleanup, Status: ExecutionRunning,
		ScheduledAt: t0, CreatedAt: t0, UpdatedAt: t0,
	}))

	all, err := store.List(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "exec-d", all[0].ID, "newest first")
	assert.Equal(t, "exec-a", all[3].ID)

	limited, err := store.List(ctx, "job-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	running, err := store.ListByStatus(ctx, ExecutionRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "other", running[0].ID, "oldest first")

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[ExecutionStatus]int{
		ExecutionCompleted: 2,
		ExecutionFailed:    1,
		ExecutionRunning:   2,
	}, counts)
}
