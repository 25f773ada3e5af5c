package conductor

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func greeter() *AppBuilder {
	return New().
		Orchestrator("Greeter", func(ctx OrchestrationContext) (any, error) {
			var name string
			if err := ctx.GetInput(&name); err != nil {
				return nil, err
			}
			var suffix string
			if err := ctx.WaitForExternalEvent("Suffix", 0).Await(&suffix); err != nil {
				return nil, err
			}
			return Await[string](ctx.CallActivity("Greet", name+suffix))
		}).
		Activity("Greet", TypedActivity(func(ctx ActivityContext, s string) (string, error) {
			return "hello " + s, nil
		}))
}

func TestLocalRunner_StartTwiceFails(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer runner.Stop()

	if err := runner.Start(ctx); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func TestLocalRunner_StopWithoutStart(t *testing.T) {
	if err := NewLocalRunner().Stop(); err != nil {
		t.Fatalf("Stop without Start should be a no-op, got %v", err)
	}
}

func TestSQLiteRunner_ResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := OpenSQLiteRunner(path)
	if err != nil {
		t.Fatalf("OpenSQLiteRunner failed: %v", err)
	}
	greeter().MustRegister(first.Engine)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	id, err := first.Engine.StartOrchestration(ctx, "Greeter", "ada")
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	if err := first.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second, err := OpenSQLiteRunner(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	greeter().MustRegister(second.Engine)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer second.Stop()

	st, err := second.Engine.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if st.Status != StatusRunning {
		t.Fatalf("expected instance still running after restart, got %s", st.Status)
	}

	if err := second.Engine.RaiseEvent(ctx, id, "Suffix", "!"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	st, err = second.Engine.WaitForCompletion(ctx, id)
	if err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}
	var out string
	if err := st.ReadOutput(&out); err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if out != "hello ada!" {
		t.Fatalf("expected %q, got %q", "hello ada!", out)
	}
}
