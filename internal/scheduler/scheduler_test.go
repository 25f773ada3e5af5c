package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/conductor/internal/registry"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

type chanSink struct {
	mu   sync.Mutex
	done chan taskqueue.Task
	out  map[int][]byte
}

func newChanSink() *chanSink {
	return &chanSink{done: make(chan taskqueue.Task, 16), out: make(map[int][]byte)}
}

func (s *chanSink) CompleteActivity(ctx context.Context, t taskqueue.Task, output []byte) error {
	s.mu.Lock()
	s.out[t.TaskID] = output
	s.mu.Unlock()
	s.done <- t
	return nil
}

func (s *chanSink) FailActivity(ctx context.Context, t taskqueue.Task, info api.ErrorInfo) error {
	s.done <- t
	return nil
}

func square(ctx api.ActivityContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}
	return n * n, nil
}

func TestScheduler_PolicyPrecedence(t *testing.T) {
	reg := registry.New()
	registered := &api.RetryPolicy{MaxAttempts: 5}
	fallback := &api.RetryPolicy{MaxAttempts: 2}
	require.NoError(t, reg.AddActivity("WithPolicy", square, api.ActivityOptions{Retry: registered}))
	require.NoError(t, reg.AddActivity("Plain", square, api.ActivityOptions{}))

	q := taskqueue.NewInMemoryQueue()
	s := New(q, reg, newChanSink(), Config{DefaultRetry: fallback})
	ctx := context.Background()

	perCall := &api.RetryPolicy{MaxAttempts: 7}
	require.NoError(t, s.Schedule(ctx, Dispatch{InstanceID: "i", TaskID: 0, ActivityName: "WithPolicy", Retry: perCall}))
	require.NoError(t, s.Schedule(ctx, Dispatch{InstanceID: "i", TaskID: 1, ActivityName: "WithPolicy"}))
	require.NoError(t, s.Schedule(ctx, Dispatch{InstanceID: "i", TaskID: 2, ActivityName: "Plain"}))
	assert.Equal(t, 3, s.Pending())

	want := []*api.RetryPolicy{perCall, registered, fallback}
	for i, p := range want {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, task.TaskID)
		assert.Equal(t, 1, task.Attempt)
		assert.Equal(t, taskqueue.TaskKey("i", 0, i, 1), task.ID)
		assert.Same(t, p, task.Retry)
	}
}

func TestScheduler_RunProcessesInParallel(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddActivity("Square", square, api.ActivityOptions{}))

	sink := newChanSink()
	s := New(taskqueue.NewInMemoryQueue(), reg, sink, Config{Concurrency: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Schedule(ctx, Dispatch{InstanceID: "fan", TaskID: i, ActivityName: "Square", Input: []byte{byte('0' + i)}}))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-sink.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for activity %d", i)
		}
	}

	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i := 1; i <= 5; i++ {
		var got int
		require.NoError(t, api.NewJSONConverter().From(sink.out[i], &got))
		assert.Equal(t, i*i, got)
	}
}
