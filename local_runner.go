package conductor

import (
	"context"
	"errors"
	"io"
	"sync"
)

// LocalRunner owns an Engine and its lifecycle for development, tests and
// simple single-process deployments.
//
// Typical usage:
//
//	runner := conductor.NewLocalRunner()
//	conductor.New().Orchestrator("Hello", hello).MustRegister(runner.Engine)
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	st, err := runner.Run(ctx, "Hello", "world")
type LocalRunner struct {
	// Engine is the engine driven by this runner.
	Engine Engine

	closer io.Closer

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Engine: NewInMemoryEngine()}
}

// Start recovers in-flight instances and starts the engine's workers.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("conductor: LocalRunner already started")
	}
	if err := r.Engine.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop stops the engine and waits for its workers to exit. Resources the
// runner opened itself, such as the database of OpenSQLiteRunner, are closed.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	running := r.running
	r.running = false
	r.mu.Unlock()

	var errs []error
	if running {
		errs = append(errs, r.Engine.Stop())
	}
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
		r.closer = nil
	}
	return errors.Join(errs...)
}

// Run starts an orchestration and waits for it to finish.
func (r *LocalRunner) Run(ctx context.Context, name string, input any) (*InstanceStatus, error) {
	return Run(ctx, r.Engine, name, input)
}

// WaitIdle blocks until no replay pass is queued or running, no activity
// is outstanding and no entity turn is pending. Pending timers don't count.
func (r *LocalRunner) WaitIdle(ctx context.Context) error {
	idler, ok := r.Engine.(interface{ WaitIdle(context.Context) error })
	if !ok {
		return errors.New("conductor: engine does not support WaitIdle")
	}
	return idler.WaitIdle(ctx)
}
