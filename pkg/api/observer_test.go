package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int
	passes    int
	attempts  int
	turns     int

	lastStarted   *InstanceStatus
	lastCompleted *InstanceStatus
	lastFailed    struct {
		Inst *InstanceStatus
		Err  error
	}
	lastPass struct {
		ID     string
		Action PassAction
		N      int
	}
	lastAttempt struct {
		Attempt  ActivityAttempt
		Err      error
		Duration time.Duration
	}
	lastTurn struct {
		ID EntityID
		Op string
	}
}

func (o *testObserver) OnInstanceStarted(ctx context.Context, inst *InstanceStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastStarted = inst
}

func (o *testObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
	o.lastCompleted = inst
}

func (o *testObserver) OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastFailed.Inst = inst
	o.lastFailed.Err = err
}

func (o *testObserver) OnPass(ctx context.Context, id string, action PassAction, n int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
	o.lastPass.ID = id
	o.lastPass.Action = action
	o.lastPass.N = n
}

func (o *testObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	o.lastAttempt.Attempt = a
	o.lastAttempt.Err = err
	o.lastAttempt.Duration = d
}

func (o *testObserver) OnEntityTurn(ctx context.Context, id EntityID, op string, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns++
	o.lastTurn.ID = id
	o.lastTurn.Op = op
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return h
}

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *InstanceStatus {
	return &InstanceStatus{
		ID:     "inst-123",
		Name:   "orch-test",
		Status: StatusRunning,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnInstanceStarted(ctx, inst)
	o.OnInstanceCompleted(ctx, inst)
	o.OnInstanceFailed(ctx, inst, errors.New("boom"))
	o.OnPass(ctx, inst.ID, PassSuspend, 2, time.Millisecond)
	o.OnActivityAttempt(ctx, ActivityAttempt{InstanceID: inst.ID}, nil, time.Second)
	o.OnEntityTurn(ctx, NewEntityID("counter", "a"), "add", nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("activity failed")
	attempt := ActivityAttempt{InstanceID: inst.ID, TaskID: 3, ActivityName: "SendMail", Attempt: 2}
	entity := NewEntityID("Department", "sales")

	co.OnInstanceStarted(ctx, inst)
	co.OnInstanceCompleted(ctx, inst)
	co.OnInstanceFailed(ctx, inst, err)
	co.OnPass(ctx, inst.ID, PassComplete, 1, time.Millisecond)
	co.OnActivityAttempt(ctx, attempt, err, 2*time.Second)
	co.OnEntityTurn(ctx, entity, "hire", nil, time.Millisecond)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.passes != 1 || o.attempts != 1 || o.turns != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStarted != inst || o.lastCompleted != inst || o.lastFailed.Inst != inst {
			t.Fatalf("observer %d instance mismatch", i+1)
		}
		if o.lastFailed.Err != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if o.lastPass.Action != PassComplete || o.lastPass.N != 1 {
			t.Fatalf("observer %d pass mismatch: %+v", i+1, o.lastPass)
		}
		if o.lastAttempt.Attempt != attempt || o.lastAttempt.Duration != 2*time.Second {
			t.Fatalf("observer %d attempt mismatch: %+v", i+1, o.lastAttempt)
		}
		if o.lastTurn.ID != entity || o.lastTurn.Op != "hire" {
			t.Fatalf("observer %d turn mismatch: %+v", i+1, o.lastTurn)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnInstanceStarted_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnInstanceStarted(ctx, inst)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "instance_started" {
		t.Fatalf("expected message instance_started, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["orchestrator"] != inst.Name {
		t.Fatalf("expected orchestrator=%q, got %v", inst.Name, attrs["orchestrator"])
	}
	if attrs["instance_id"] != inst.ID {
		t.Fatalf("expected instance_id=%q, got %v", inst.ID, attrs["instance_id"])
	}
}

func TestLoggingObserver_OnActivityAttempt_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnActivityAttempt(ctx, ActivityAttempt{ActivityName: "ok", Attempt: 1}, nil, time.Second)
	o.OnActivityAttempt(ctx, ActivityAttempt{ActivityName: "flaky", Attempt: 2}, errors.New("boom"), time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelWarn {
		t.Fatalf("expected failure record LevelWarn, got %v", h.records[1].Level)
	}

	attrs := attrsToMap(h.records[1])
	if attrs["activity"] != "flaky" {
		t.Fatalf("expected activity=flaky, got %v", attrs["activity"])
	}
	if attrs["attempt"] != int64(2) {
		t.Fatalf("expected attempt=2, got %v", attrs["attempt"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_InstanceCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	inst := newTestInstance()

	// 3 started, 1 completed, 1 failed -> running = 1
	m.OnInstanceStarted(ctx, inst)
	m.OnInstanceStarted(ctx, inst)
	m.OnInstanceStarted(ctx, inst)

	m.OnInstanceCompleted(ctx, inst)
	m.OnInstanceFailed(ctx, inst, errors.New("fail"))
	m.OnPass(ctx, inst.ID, PassSuspend, 1, time.Millisecond)

	snap := m.Snapshot()

	if snap.InstancesStarted != 3 {
		t.Fatalf("InstancesStarted=%d, want 3", snap.InstancesStarted)
	}
	if snap.InstancesCompleted != 1 {
		t.Fatalf("InstancesCompleted=%d, want 1", snap.InstancesCompleted)
	}
	if snap.InstancesFailed != 1 {
		t.Fatalf("InstancesFailed=%d, want 1", snap.InstancesFailed)
	}
	if snap.RunningInstances != 1 {
		t.Fatalf("RunningInstances=%d, want 1", snap.RunningInstances)
	}
	if snap.Passes != 1 {
		t.Fatalf("Passes=%d, want 1", snap.Passes)
	}
	if snap.AvgActivityDuration != 0 {
		t.Fatalf("AvgActivityDuration=%v, want 0", snap.AvgActivityDuration)
	}
}

func TestBasicMetrics_ActivityAttempts(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	m.OnActivityAttempt(ctx, ActivityAttempt{Attempt: 1}, nil, 1*time.Second)
	m.OnActivityAttempt(ctx, ActivityAttempt{Attempt: 1}, errors.New("fail"), 3*time.Second)

	snap := m.Snapshot()

	if snap.ActivityAttempts != 2 {
		t.Fatalf("ActivityAttempts=%d, want 2", snap.ActivityAttempts)
	}
	if snap.ActivityFailures != 1 {
		t.Fatalf("ActivityFailures=%d, want 1", snap.ActivityFailures)
	}
	if want := 2 * time.Second; snap.AvgActivityDuration != want {
		t.Fatalf("AvgActivityDuration=%v, want %v", snap.AvgActivityDuration, want)
	}
}
