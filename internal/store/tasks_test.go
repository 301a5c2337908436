package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Given: an enqueued task
	queued, err := s.EnqueueTask(ctx, &Task{ID: "t1", Path: "/inbox/a.md", Stage: "extract"})
	require.NoError(t, err)
	assert.True(t, queued)

	// When: it is claimed
	task, err := s.ClaimTask(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, TaskProcessing, task.Status)

	// Then: nothing else is due
	next, err := s.ClaimTask(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, next)

	// When: the attempt fails transiently with a backoff
	task.Status = TaskPending
	task.RetryCount = 1
	task.LastError = "timeout"
	task.NextAttemptAt = now.Add(time.Minute)
	require.NoError(t, s.UpdateTask(ctx, task))

	// Then: it is not due before the backoff elapses
	next, err = s.ClaimTask(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = s.ClaimTask(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, "timeout", next.LastError)

	// And: an update is rejected once the task left processing
	next.Status = TaskSucceeded
	require.NoError(t, s.UpdateTask(ctx, next))
	assert.Error(t, s.UpdateTask(ctx, next))

	total, err := s.RetryTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSQLiteStore_EnqueueTask_Requeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, &Task{ID: "t1", Path: "a.md"})
	require.NoError(t, err)

	// A pending task is not queued twice
	queued, err := s.EnqueueTask(ctx, &Task{ID: "t1", Path: "a.md"})
	require.NoError(t, err)
	assert.False(t, queued)

	task, err := s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	task.Status = TaskSucceeded
	task.RetryCount = 2
	require.NoError(t, s.UpdateTask(ctx, task))

	// A succeeded task is re-queued with zero retries
	queued, err = s.EnqueueTask(ctx, &Task{ID: "t1", Path: "a.md"})
	require.NoError(t, err)
	assert.True(t, queued)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSQLiteStore_ResetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.EnqueueTask(ctx, &Task{ID: "t1", Path: "a.md"})
	require.NoError(t, err)

	// Pending tasks cannot be reset
	assert.Error(t, s.ResetTask(ctx, "t1", now))
	assert.ErrorIs(t, s.ResetTask(ctx, "missing", now), ErrNotFound)

	task, err := s.ClaimTask(ctx, now.Add(time.Second))
	require.NoError(t, err)
	task.Status = TaskDeadLetter
	task.RetryCount = 3
	task.LastError = "boom"
	require.NoError(t, s.UpdateTask(ctx, task))

	dead, err := s.ListTasks(ctx, TaskDeadLetter)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].LastError)

	require.NoError(t, s.ResetTask(ctx, "t1", now))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestSQLiteStore_RecoverTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, &Task{ID: "t1", Path: "a.md"})
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)

	n, err := s.RecoverTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.TaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])
	assert.Equal(t, 0, counts[TaskProcessing])
}

func TestSQLiteStore_ClaimTask_Exclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const tasks = 20
	for i := range tasks {
		_, err := s.EnqueueTask(ctx, &Task{ID: string(rune('a' + i)), Path: "p"})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	due := time.Now().Add(time.Second)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, due)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}
