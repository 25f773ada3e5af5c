package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/registry"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

type completion struct {
	task   taskqueue.Task
	output []byte
}

type failure struct {
	task taskqueue.Task
	info api.ErrorInfo
}

type recordingSink struct {
	mu        sync.Mutex
	completed []completion
	failed    []failure
}

func (s *recordingSink) CompleteActivity(ctx context.Context, t taskqueue.Task, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, completion{task: t, output: output})
	return nil
}

func (s *recordingSink) FailActivity(ctx context.Context, t taskqueue.Task, info api.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failure{task: t, info: info})
	return nil
}

type harness struct {
	reg   *registry.Registry
	clock *clock.Fake
	queue *taskqueue.InMemoryQueue
	sink  *recordingSink
	obs   *api.BasicMetrics
	w     *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		reg:   registry.New(),
		clock: fc,
		queue: taskqueue.NewInMemoryQueue(taskqueue.WithClock(fc)),
		sink:  &recordingSink{},
		obs:   &api.BasicMetrics{},
	}
	h.w = NewWithConfig(h.reg, h.queue, h.sink, Config{Observer: h.obs, Clock: fc})
	return h
}

func (h *harness) enqueue(t *testing.T, activity string, input []byte, policy *api.RetryPolicy) {
	t.Helper()
	task := taskqueue.Task{
		ID:           taskqueue.TaskKey("inst-1", 0, 0, 1),
		InstanceID:   "inst-1",
		TaskID:       0,
		ActivityName: activity,
		Input:        input,
		Attempt:      1,
		Retry:        policy,
	}
	if err := h.queue.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
}

func (h *harness) processOne(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	processed, err := h.w.ProcessOne(ctx)
	if err != nil {
		t.Fatalf("ProcessOne returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected a task to be processed")
	}
}

func TestWorker_CompletesActivity(t *testing.T) {
	h := newHarness(t)
	err := h.reg.AddActivity("Greet", func(ctx api.ActivityContext) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		if ctx.Attempt() != 1 || ctx.InstanceID() != "inst-1" || ctx.ActivityName() != "Greet" {
			return nil, errors.New("unexpected activity context")
		}
		return "hello " + name, nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	h.enqueue(t, "Greet", []byte(`"ada"`), nil)
	h.processOne(t)

	if len(h.sink.completed) != 1 || len(h.sink.failed) != 0 {
		t.Fatalf("expected one completion, got %+v / %+v", h.sink.completed, h.sink.failed)
	}
	if got := string(h.sink.completed[0].output); got != `"hello ada"` {
		t.Fatalf("unexpected output %s", got)
	}
	if snap := h.obs.Snapshot(); snap.ActivityAttempts != 1 || snap.ActivityFailures != 0 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestWorker_RetriesTransientFailuresUntilExhausted(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	err := h.reg.AddActivity("Flaky", func(ctx api.ActivityContext) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	policy := &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, BackoffMultiplier: 2}
	h.enqueue(t, "Flaky", nil, policy)

	h.processOne(t)
	if h.queue.Len() != 1 {
		t.Fatalf("expected the retry to be queued, len=%d", h.queue.Len())
	}

	// The retry is not due until the backoff has elapsed.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	processed, err := h.w.ProcessOne(ctx)
	cancel()
	if processed || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no due task before backoff, got processed=%v err=%v", processed, err)
	}

	h.clock.Advance(10 * time.Millisecond)
	h.processOne(t)
	h.clock.Advance(20 * time.Millisecond)
	h.processOne(t)

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected no further retries, len=%d", h.queue.Len())
	}
	if len(h.sink.failed) != 1 {
		t.Fatalf("expected one terminal failure, got %d", len(h.sink.failed))
	}
	f := h.sink.failed[0]
	if f.task.Attempt != 3 {
		t.Fatalf("expected failure on attempt 3, got %d", f.task.Attempt)
	}
	if f.info.Type != api.FailureActivity || f.info.Message != "connection reset" {
		t.Fatalf("unexpected failure info: %+v", f.info)
	}
	if snap := h.obs.Snapshot(); snap.ActivityAttempts != 3 || snap.ActivityFailures != 3 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestWorker_ApplicationErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	err := h.reg.AddActivity("CreateRecord", func(ctx api.ActivityContext) (any, error) {
		calls.Add(1)
		return nil, api.NewApplicationError("InvalidAge", "age must be at most 100", false)
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	h.enqueue(t, "CreateRecord", nil, &api.RetryPolicy{MaxAttempts: 5})
	h.processOne(t)

	if calls.Load() != 1 || h.queue.Len() != 0 {
		t.Fatalf("expected a single attempt and no retry, calls=%d len=%d", calls.Load(), h.queue.Len())
	}
	if len(h.sink.failed) != 1 || h.sink.failed[0].info.Type != "InvalidAge" {
		t.Fatalf("unexpected failures: %+v", h.sink.failed)
	}
}

func TestWorker_RetryableApplicationErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	err := h.reg.AddActivity("Quote", func(ctx api.ActivityContext) (any, error) {
		if calls.Add(1) == 1 {
			return nil, api.NewApplicationError("Busy", "quote service busy", true)
		}
		return 42000, nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	h.enqueue(t, "Quote", nil, &api.RetryPolicy{MaxAttempts: 2})
	h.processOne(t)
	h.processOne(t)

	if len(h.sink.completed) != 1 || string(h.sink.completed[0].output) != "42000" {
		t.Fatalf("expected completion after retry, got %+v", h.sink.completed)
	}
	if h.sink.completed[0].task.Attempt != 2 {
		t.Fatalf("expected completion on attempt 2, got %d", h.sink.completed[0].task.Attempt)
	}
}

func TestWorker_PanicIsNotRetried(t *testing.T) {
	h := newHarness(t)
	err := h.reg.AddActivity("Explode", func(ctx api.ActivityContext) (any, error) {
		panic("boom")
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}

	h.enqueue(t, "Explode", nil, &api.RetryPolicy{MaxAttempts: 3})
	h.processOne(t)

	if h.queue.Len() != 0 {
		t.Fatalf("expected no retry after panic")
	}
	if len(h.sink.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(h.sink.failed))
	}
	info := h.sink.failed[0].info
	if info.Type != api.FailureActivityPanic || info.Details == "" {
		t.Fatalf("unexpected panic failure: %+v", info)
	}
}

func TestWorker_UnknownActivityFails(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "Missing", nil, nil)
	h.processOne(t)

	if len(h.sink.failed) != 1 || h.sink.failed[0].info.Type != api.FailureUnknownActivity {
		t.Fatalf("unexpected failures: %+v", h.sink.failed)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
