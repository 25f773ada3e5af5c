package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/events"
	"github.com/petrijr/conductor/pkg/api"
)

func startEngine(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := eng.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
}

func waitForCompletion(t *testing.T, eng *Engine, id string) *api.InstanceStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := eng.WaitForCompletion(ctx, id)
	if err != nil {
		t.Fatalf("WaitForCompletion(%s) failed: %v", id, err)
	}
	return st
}

func waitIdle(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
}

func mustRegisterActivity(t *testing.T, eng *Engine, name string, fn api.Activity, opts api.ActivityOptions) {
	t.Helper()
	if err := eng.RegisterActivity(name, fn, opts); err != nil {
		t.Fatalf("RegisterActivity(%s) failed: %v", name, err)
	}
}

func mustRegisterOrchestrator(t *testing.T, eng *Engine, name string, fn api.Orchestrator) {
	t.Helper()
	if err := eng.RegisterOrchestrator(name, fn); err != nil {
		t.Fatalf("RegisterOrchestrator(%s) failed: %v", name, err)
	}
}

func square(ctx api.ActivityContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}
	// Larger inputs finish first.
	time.Sleep(time.Duration(10-n) * time.Millisecond)
	return n * n, nil
}

func fanOutSquares(ctx api.OrchestrationContext) (any, error) {
	var inputs []int
	if err := ctx.GetInput(&inputs); err != nil {
		return nil, err
	}
	tasks := make([]api.Task, len(inputs))
	for i, n := range inputs {
		tasks[i] = ctx.CallActivity("Square", n)
	}
	ctx.SetCustomStatus("squaring")

	out := make([]int, len(tasks))
	for i, task := range tasks {
		if err := task.Await(&out[i]); err != nil {
			return nil, err
		}
	}
	ctx.SetCustomStatus("done")
	return out, nil
}

func TestEngine_FanOutFanInCompletes(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterActivity(t, eng, "Square", square, api.ActivityOptions{})
	mustRegisterOrchestrator(t, eng, "Squares", fanOutSquares)
	startEngine(t, eng)

	id, err := eng.StartOrchestration(context.Background(), "Squares", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}

	st := waitForCompletion(t, eng, id)
	if st.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%v)", st.Status, st.Failure)
	}
	var out []int
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if len(out) != 3 || out[0] != 1 || out[1] != 4 || out[2] != 9 {
		t.Fatalf("expected results in submission order [1 4 9], got %v", out)
	}
	var custom string
	if err := st.ReadCustomStatus(&custom); err != nil || custom != "done" {
		t.Fatalf("unexpected custom status %q (err=%v)", custom, err)
	}

	history, err := eng.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if history[0].Type != api.EventOrchestratorStarted {
		t.Fatalf("history must start with OrchestratorStarted, got %s", history[0].Type)
	}
	if last := history[len(history)-1]; last.Type != api.EventOrchestratorCompleted {
		t.Fatalf("history must end with OrchestratorCompleted, got %s", last.Type)
	}
	scheduled := 0
	for i, ev := range history {
		if ev.Seq != i {
			t.Fatalf("event %d has Seq %d", i, ev.Seq)
		}
		if ev.Type == api.EventActivityScheduled {
			scheduled++
		}
	}
	if scheduled != 3 {
		t.Fatalf("expected 3 ActivityScheduled events, got %d", scheduled)
	}
}

func TestEngine_RetryExhaustionSurfacesActivityError(t *testing.T) {
	eng := NewInMemoryEngine()
	var attempts atomic.Int32
	mustRegisterActivity(t, eng, "Flaky", func(ctx api.ActivityContext) (any, error) {
		attempts.Add(1)
		return nil, errors.New("quote service unavailable")
	}, api.ActivityOptions{Retry: &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}})
	mustRegisterOrchestrator(t, eng, "Fallback", func(ctx api.OrchestrationContext) (any, error) {
		err := ctx.CallActivity("Flaky", nil).Await(nil)
		var ae *api.ActivityError
		if !errors.As(err, &ae) {
			return nil, errors.New("expected an ActivityError")
		}
		return "fallback: " + ae.Info.Message, nil
	})
	startEngine(t, eng)

	id, err := eng.StartOrchestration(context.Background(), "Fallback", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	st := waitForCompletion(t, eng, id)

	var out string
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if out != "fallback: quote service unavailable" {
		t.Fatalf("unexpected output %q", out)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestEngine_OrchestratorErrorFailsInstance(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Broken", func(ctx api.OrchestrationContext) (any, error) {
		return nil, errors.New("no budget")
	})
	startEngine(t, eng)

	id, err := eng.StartOrchestration(context.Background(), "Broken", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	st := waitForCompletion(t, eng, id)
	if st.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Failure == nil || st.Failure.Type != api.FailureOrchestrator || st.Failure.Message != "no budget" {
		t.Fatalf("unexpected failure %+v", st.Failure)
	}
}

func approvalFlow(ctx api.OrchestrationContext) (any, error) {
	ctx.SetCustomStatus("WaitingForApproval")
	var approver string
	err := ctx.WaitForExternalEvent("Approval", time.Minute).Await(&approver)
	if errors.Is(err, api.ErrEventTimeout) {
		return "timed out at " + ctx.CurrentTime().Format(time.RFC3339), nil
	}
	if err != nil {
		return nil, err
	}
	return "approved by " + approver + " at " + ctx.CurrentTime().Format(time.RFC3339), nil
}

func newFakeClockEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	eng := NewEngineWithConfig(Config{Clock: fc})
	mustRegisterOrchestrator(t, eng, "Approval", approvalFlow)
	startEngine(t, eng)
	return eng, fc
}

func TestEngine_EventArrivingBeforeTimeoutWins(t *testing.T) {
	eng, fc := newFakeClockEngine(t)
	ctx := context.Background()

	id, err := eng.StartOrchestration(ctx, "Approval", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	waitIdle(t, eng)

	st, err := eng.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	var custom string
	_ = st.ReadCustomStatus(&custom)
	if st.Status != api.StatusRunning || custom != "WaitingForApproval" {
		t.Fatalf("expected a running instance waiting for approval, got %s / %q", st.Status, custom)
	}

	fc.Advance(5 * time.Second)
	if err := eng.RaiseEvent(ctx, id, "Approval", "grace"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}

	st = waitForCompletion(t, eng, id)
	var out string
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if out != "approved by grace at 2026-03-02T09:00:05Z" {
		t.Fatalf("unexpected output %q", out)
	}

	// The losing timer still fires later and is ignored.
	fc.Advance(time.Minute)
	waitIdle(t, eng)
	st, _ = eng.GetStatus(ctx, id)
	if st.Status != api.StatusCompleted {
		t.Fatalf("expected instance to stay COMPLETED, got %s", st.Status)
	}
}

func TestEngine_TimeoutWinsWithoutEvent(t *testing.T) {
	eng, fc := newFakeClockEngine(t)

	id, err := eng.StartOrchestration(context.Background(), "Approval", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	waitIdle(t, eng)
	if !fc.BlockUntil(1, time.Second) {
		t.Fatalf("timer was never armed")
	}
	fc.Advance(time.Minute)

	st := waitForCompletion(t, eng, id)
	var out string
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if out != "timed out at 2026-03-02T09:01:00Z" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestEngine_BufferedEventIsDeliveredWhenAwaited(t *testing.T) {
	eng := NewInMemoryEngine()
	release := make(chan struct{})
	mustRegisterActivity(t, eng, "Prepare", func(ctx api.ActivityContext) (any, error) {
		<-release
		return nil, nil
	}, api.ActivityOptions{})
	mustRegisterOrchestrator(t, eng, "Late", func(ctx api.OrchestrationContext) (any, error) {
		if err := ctx.CallActivity("Prepare", nil).Await(nil); err != nil {
			return nil, err
		}
		var v string
		if err := ctx.WaitForExternalEvent("Go", 0).Await(&v); err != nil {
			return nil, err
		}
		return v, nil
	})
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.StartOrchestration(ctx, "Late", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	if err := eng.RaiseEvent(ctx, id, "Go", "first"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	if err := eng.RaiseEvent(ctx, id, "Go", "second"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	rec, err := eng.instances.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if pending := events.Buffer(rec.Buffered).Pending(); len(pending) != 1 || pending[0] != "Go" {
		t.Fatalf("expected Go to be buffered, got %v", pending)
	}
	close(release)

	st := waitForCompletion(t, eng, id)
	var out string
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if out != "second" {
		t.Fatalf("expected the last buffered payload, got %q", out)
	}
}

func TestEngine_RaiseEventEdgeCases(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Noop", func(ctx api.OrchestrationContext) (any, error) {
		return "ok", nil
	})
	startEngine(t, eng)
	ctx := context.Background()

	if err := eng.RaiseEvent(ctx, "missing", "Approval", true); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}

	id, err := eng.StartOrchestration(ctx, "Noop", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	waitForCompletion(t, eng, id)
	before, _ := eng.History(ctx, id)

	if err := eng.RaiseEvent(ctx, id, "Approval", true); err != nil {
		t.Fatalf("events for completed instances must be dropped silently, got %v", err)
	}
	after, _ := eng.History(ctx, id)
	if len(after) != len(before) {
		t.Fatalf("history changed after event to completed instance")
	}
}

func TestEngine_Terminate(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Forever", func(ctx api.OrchestrationContext) (any, error) {
		return nil, ctx.WaitForExternalEvent("Never", 0).Await(nil)
	})
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.StartOrchestration(ctx, "Forever", nil)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	waitIdle(t, eng)

	if err := eng.Terminate(ctx, id, "operator request"); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	st, err := eng.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.Status != api.StatusTerminated || st.Failure == nil || st.Failure.Message != "operator request" {
		t.Fatalf("unexpected terminated status %+v", st)
	}
	if err := eng.Terminate(ctx, id, "again"); !errors.Is(err, api.ErrInstanceNotRunning) {
		t.Fatalf("expected ErrInstanceNotRunning, got %v", err)
	}
	if err := eng.RaiseEvent(ctx, id, "Never", nil); err != nil {
		t.Fatalf("RaiseEvent on terminated instance returned %v", err)
	}

	history, _ := eng.History(ctx, id)
	if last := history[len(history)-1]; last.Type != api.EventExecutionTerminated || string(last.Payload) != "operator request" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestEngine_ContinueAsNewStartsFreshExecution(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Counter", func(ctx api.OrchestrationContext) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		if err := ctx.CreateTimer(time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		if n < 3 {
			ctx.ContinueAsNew(n + 1)
			return nil, nil
		}
		return n, nil
	})
	startEngine(t, eng)
	ctx := context.Background()

	id, err := eng.StartOrchestration(ctx, "Counter", 0)
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	st := waitForCompletion(t, eng, id)

	var out int
	if err := st.ReadOutput(&out); err != nil || out != 3 {
		t.Fatalf("expected output 3, got %d (err=%v)", out, err)
	}
	if st.Execution != 3 {
		t.Fatalf("expected execution 3, got %d", st.Execution)
	}

	history, err := eng.History(ctx, id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	// started, timer created, timer fired, completed
	if len(history) != 4 {
		t.Fatalf("expected the current execution only, got %d events", len(history))
	}
	if string(history[0].Payload) != "3" {
		t.Fatalf("expected the new execution to start with input 3, got %s", history[0].Payload)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Noop", func(ctx api.OrchestrationContext) (any, error) {
		return nil, nil
	})
	ctx := context.Background()

	if _, err := eng.StartOrchestration(ctx, "Missing", nil); !errors.Is(err, api.ErrUnknownOrchestrator) {
		t.Fatalf("expected ErrUnknownOrchestrator, got %v", err)
	}

	id, err := eng.StartOrchestration(ctx, "Noop", nil, api.WithInstanceID("fixed-id"))
	if err != nil || id != "fixed-id" {
		t.Fatalf("expected instance fixed-id, got %q (err=%v)", id, err)
	}
	if _, err := eng.StartOrchestration(ctx, "Noop", nil, api.WithInstanceID("fixed-id")); !errors.Is(err, api.ErrInstanceExists) {
		t.Fatalf("expected ErrInstanceExists, got %v", err)
	}

	if _, err := eng.GetStatus(ctx, "nope"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestEngine_ManagementPayload(t *testing.T) {
	eng := NewEngineWithConfig(Config{BaseURL: "https://example.test/api/"})
	mustRegisterOrchestrator(t, eng, "Noop", func(ctx api.OrchestrationContext) (any, error) {
		return nil, nil
	})
	ctx := context.Background()

	id, err := eng.StartOrchestration(ctx, "Noop", nil, api.WithInstanceID("abc"))
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	mp, err := eng.ManagementPayload(ctx, id)
	if err != nil {
		t.Fatalf("ManagementPayload failed: %v", err)
	}
	if mp.ID != "abc" ||
		mp.StatusQueryURL != "https://example.test/api/instances/abc" ||
		mp.RaiseEventURL != "https://example.test/api/instances/abc/raiseEvent/{eventName}" ||
		mp.TerminateURL != "https://example.test/api/instances/abc/terminate?reason={text}" {
		t.Fatalf("unexpected payload %+v", mp)
	}

	if _, err := eng.ManagementPayload(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestEngine_EntityStartsOrchestration(t *testing.T) {
	eng := NewInMemoryEngine()
	mustRegisterOrchestrator(t, eng, "Welcome", func(ctx api.OrchestrationContext) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		return "welcome " + name, nil
	})
	err := eng.RegisterEntity("Department", map[string]api.EntityOperation{
		"hire": func(ctx api.EntityContext) error {
			var name string
			if err := ctx.GetInput(&name); err != nil {
				return err
			}
			var staff []string
			if err := ctx.GetState(&staff); err != nil {
				return err
			}
			if _, err := ctx.StartOrchestration("Welcome", name); err != nil {
				return err
			}
			return ctx.SetState(append(staff, name))
		},
	})
	if err != nil {
		t.Fatalf("RegisterEntity failed: %v", err)
	}
	startEngine(t, eng)
	ctx := context.Background()

	dept := api.NewEntityID("Department", "eng")
	for _, name := range []string{"ada", "linus"} {
		if err := eng.SignalEntity(ctx, dept, "hire", name); err != nil {
			t.Fatalf("SignalEntity failed: %v", err)
		}
	}
	waitIdle(t, eng)

	es, err := eng.GetEntity(ctx, dept)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	var staff []string
	if err := es.ReadState(&staff); err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if len(staff) != 2 || staff[0] != "ada" || staff[1] != "linus" {
		t.Fatalf("unexpected staff %v", staff)
	}

	done, err := eng.ListInstances(ctx, api.InstanceListOptions{Name: "Welcome", Status: api.StatusCompleted})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("expected 2 completed Welcome instances, got %d", len(done))
	}

	if err := eng.SignalEntity(ctx, api.NewEntityID("Unknown", "x"), "op", nil); !errors.Is(err, api.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if _, err := eng.GetEntity(ctx, api.NewEntityID("Department", "sales")); !errors.Is(err, api.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestEngine_StartTwiceFails(t *testing.T) {
	eng := NewInMemoryEngine()
	startEngine(t, eng)
	if err := eng.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}
