package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/pkg/api"
)

func newTask(instanceID string, taskID int) Task {
	return Task{
		ID:           TaskKey(instanceID, 0, taskID, 1),
		InstanceID:   instanceID,
		TaskID:       taskID,
		ActivityName: "GetQuote",
		Input:        []byte(`"dealer"`),
		Attempt:      1,
		Retry:        &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second},
	}
}

// runQueueContract checks FIFO delivery, field preservation and
// cancellation on an initially empty queue.
func runQueueContract(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newTask("inst-1", i)))
	}
	require.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		got, err := q.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, i, got.TaskID, "FIFO order")
		require.Equal(t, "inst-1", got.InstanceID)
		require.Equal(t, "GetQuote", got.ActivityName)
		require.Equal(t, []byte(`"dealer"`), got.Input)
		require.Equal(t, 1, got.Attempt)
		require.NotNil(t, got.Retry)
		require.Equal(t, 3, got.Retry.MaxAttempts)
		require.Equal(t, time.Second, got.Retry.InitialBackoff)
		require.False(t, got.EnqueuedAt.IsZero())
	}
	require.Equal(t, 0, q.Len())

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// runDelayedContract checks that a task whose NotBefore lies in the future
// is held back until it is due.
func runDelayedContract(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	delayed := newTask("inst-2", 0)
	delayed.NotBefore = time.Now().Add(300 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, delayed))
	require.NoError(t, q.Enqueue(ctx, newTask("inst-2", 1)))

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	first, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.TaskID, "due task is delivered before the delayed one")

	second, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, 0, second.TaskID)
	require.False(t, time.Now().Before(delayed.NotBefore.Add(-time.Millisecond)))
}

// runOneTaskPerCallContract checks that a queue holds at most one task per
// activity call and accepts the call again once its task was dequeued.
func runOneTaskPerCallContract(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	first := newTask("inst-3", 0)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, first), "re-enqueueing a queued call is a no-op")
	retry := first
	retry.Attempt = 2
	retry.ID = TaskKey("inst-3", 0, 0, 2)
	require.NoError(t, q.Enqueue(ctx, retry))
	require.NoError(t, q.Enqueue(ctx, newTask("inst-3", 1)))
	require.Equal(t, 2, q.Len())

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, 0, got.TaskID)
	require.Equal(t, 1, got.Attempt, "the first enqueued attempt is kept")

	require.NoError(t, q.Enqueue(ctx, retry), "a dequeued call can be queued again")
	require.Equal(t, 2, q.Len())

	got, err = q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.TaskID)
	got, err = q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, 0, got.TaskID)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, 0, q.Len())
}
