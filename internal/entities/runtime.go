// Package entities runs entity operations as serialized turns over durable
// state. Each entity id has an in-memory FIFO mailbox drained by a single
// goroutine, so turns of one entity never overlap while different entities
// run in parallel, bounded by a weighted semaphore.
package entities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/pkg/api"
)

// Operations resolves entity operation tables.
type Operations interface {
	HasEntity(entityType string) bool
	EntityOperation(entityType, operation string) (api.EntityOperation, error)
}

// Starter starts orchestrations requested by committed turns.
type Starter interface {
	StartOrchestration(ctx context.Context, name string, input any, opts ...api.StartOption) (string, error)
}

// Config controls a Runtime. Zero values get defaults.
type Config struct {
	// MaxConcurrentTurns bounds turns running at once across all entities. Defaults to 16.
	MaxConcurrentTurns int64

	// NewInstanceID generates the ids handed out by EntityContext.StartOrchestration.
	NewInstanceID func() string

	Observer  api.Observer
	Logger    *slog.Logger
	Clock     clock.Clock
	Converter api.Converter
}

type message struct {
	operation string
	input     []byte
}

type mailbox struct {
	queue   []message
	running bool
}

// Runtime owns the mailboxes of all entities. Ids are normalized with
// api.NewEntityID, so ids differing only in type case share a mailbox and
// state.
type Runtime struct {
	ops     Operations
	store   persistence.EntityStore
	starter Starter
	cfg     Config
	sem     *semaphore.Weighted

	mu    sync.Mutex
	base  context.Context
	boxes map[api.EntityID]*mailbox
	wg    sync.WaitGroup
}

// New returns a Runtime that resolves operations through ops and keeps
// state in store. starter may be nil, in which case StartOrchestration
// effects are skipped. Turns run only while Run is active.
func New(ops Operations, store persistence.EntityStore, starter Starter, cfg Config) *Runtime {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 16
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Converter == nil {
		cfg.Converter = api.NewJSONConverter()
	}
	if cfg.NewInstanceID == nil {
		cfg.NewInstanceID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Runtime{
		ops:     ops,
		store:   store,
		starter: starter,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentTurns),
		boxes:   make(map[api.EntityID]*mailbox),
	}
}

// Signal enqueues an operation for id. It returns once the message is in
// the mailbox; the turn runs asynchronously.
func (r *Runtime) Signal(ctx context.Context, id api.EntityID, operation string, input any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = api.NewEntityID(id.Type, id.Key)
	if !r.ops.HasEntity(id.Type) {
		return fmt.Errorf("%w: %s", api.ErrUnknownEntity, id.Type)
	}
	payload, err := r.cfg.Converter.To(input)
	if err != nil {
		return fmt.Errorf("encode input of %s.%s: %w", id, operation, err)
	}
	r.enqueue(id, message{operation: operation, input: payload})
	return nil
}

func (r *Runtime) enqueue(id api.EntityID, msg message) {
	id = api.NewEntityID(id.Type, id.Key)

	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.boxes[id]
	if box == nil {
		box = &mailbox{}
		r.boxes[id] = box
	}
	box.queue = append(box.queue, msg)
	r.startLocked(id, box)
}

// startLocked launches the drainer of box unless it runs already or the
// runtime is not running.
func (r *Runtime) startLocked(id api.EntityID, box *mailbox) {
	if box.running || r.base == nil || r.base.Err() != nil {
		return
	}
	box.running = true
	r.wg.Add(1)
	go r.drain(r.base, id)
}

// Run processes mailboxes until ctx is cancelled, then waits for in-flight
// turns. Messages still queued at that point are dropped.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.base = ctx
	for id, box := range r.boxes {
		if len(box.queue) > 0 {
			r.startLocked(id, box)
		}
	}
	r.mu.Unlock()

	<-ctx.Done()
	r.wg.Wait()
	return nil
}

// WaitIdle blocks until every mailbox is empty and no turn is running.
func (r *Runtime) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Idle reports whether every mailbox is empty and no turn is running.
func (r *Runtime) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes) == 0
}

func (r *Runtime) drain(ctx context.Context, id api.EntityID) {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		box := r.boxes[id]
		if len(box.queue) == 0 || ctx.Err() != nil {
			box.running = false
			if len(box.queue) == 0 {
				delete(r.boxes, id)
			}
			r.mu.Unlock()
			return
		}
		msg := box.queue[0]
		box.queue = box.queue[1:]
		r.mu.Unlock()

		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.mu.Lock()
			box.queue = append([]message{msg}, box.queue...)
			box.running = false
			r.mu.Unlock()
			return
		}
		r.turn(ctx, id, msg)
		r.sem.Release(1)
	}
}

// turn runs one operation: load, handle, commit, then side effects.
func (r *Runtime) turn(ctx context.Context, id api.EntityID, msg message) {
	started := r.cfg.Clock.Now()
	ec := &entityContext{
		Context:   ctx,
		id:        id,
		operation: msg.operation,
		input:     msg.input,
		converter: r.cfg.Converter,
		ops:       r.ops,
		newID:     r.cfg.NewInstanceID,
		logger: r.cfg.Logger.With(
			slog.String("entity", id.String()),
			slog.String("operation", msg.operation),
		),
	}

	err := r.load(ctx, ec)
	if err == nil {
		err = r.handle(ec)
	}
	if err == nil {
		err = r.commit(ctx, ec)
	}
	if err == nil {
		r.applyEffects(ctx, ec)
	}

	r.cfg.Observer.OnEntityTurn(ctx, id, msg.operation, err, r.cfg.Clock.Now().Sub(started))
}

func (r *Runtime) load(ctx context.Context, ec *entityContext) error {
	rec, err := r.store.LoadEntity(ctx, ec.id)
	if errors.Is(err, persistence.ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", ec.id, err)
	}
	ec.state = rec.State
	ec.hasState = true
	return nil
}

func (r *Runtime) handle(ec *entityContext) (err error) {
	fn, err := r.ops.EntityOperation(ec.id.Type, ec.operation)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("entity operation panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ec)
}

func (r *Runtime) commit(ctx context.Context, ec *entityContext) error {
	switch {
	case ec.deleted:
		if err := r.store.DeleteEntity(ctx, ec.id); err != nil {
			return fmt.Errorf("delete %s: %w", ec.id, err)
		}
	case ec.dirty:
		rec := &persistence.EntityRecord{ID: ec.id, State: ec.state, UpdatedAt: r.cfg.Clock.Now().UTC()}
		if err := r.store.SaveEntity(ctx, rec); err != nil {
			return fmt.Errorf("save %s: %w", ec.id, err)
		}
	}
	return nil
}

func (r *Runtime) applyEffects(ctx context.Context, ec *entityContext) {
	for _, e := range ec.effects {
		switch {
		case e.signal != nil:
			r.enqueue(e.signal.id, message{operation: e.signal.operation, input: e.signal.input})
		case e.start != nil:
			if r.starter == nil {
				continue
			}
			_, err := r.starter.StartOrchestration(ctx, e.start.name, e.start.input, api.WithInstanceID(e.start.instanceID))
			if err != nil {
				ec.logger.ErrorContext(ctx, "entity_start_orchestration_failed",
					slog.String("orchestrator", e.start.name),
					slog.String("instance_id", e.start.instanceID),
					slog.Any("error", err),
				)
			}
		}
	}
}
