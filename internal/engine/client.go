package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/conductor/internal/events"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/pkg/api"
)

// StartOrchestration persists a new instance with its OrchestratorStarted
// event and queues the first pass.
func (e *Engine) StartOrchestration(ctx context.Context, name string, input any, opts ...api.StartOption) (string, error) {
	if _, err := e.registry.Orchestrator(name); err != nil {
		return "", err
	}
	var o api.StartOptions
	for _, opt := range opts {
		opt(&o)
	}
	id := o.InstanceID
	if id == "" {
		id = newInstanceID()
	}

	payload, err := e.converter.To(input)
	if err != nil {
		return "", fmt.Errorf("encode input of %s: %w", name, err)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	now := e.clock.Now().UTC()
	rec := &persistence.InstanceRecord{
		ID:        id,
		Name:      name,
		Execution: 0,
		Status:    api.StatusRunning,
		Input:     payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.instances.CreateInstance(ctx, rec); err != nil {
		return "", fmt.Errorf("start %s as %s: %w", name, id, err)
	}
	if _, err := e.appendStarted(ctx, rec); err != nil {
		return "", err
	}

	e.observer.OnInstanceStarted(ctx, rec.ToStatus(e.converter))
	e.dispatch.kick(id)
	return id, nil
}

// RaiseEvent records the event when the instance waits for it and buffers
// it on the instance record otherwise, so it survives a restart. Events for
// finished instances are dropped.
func (e *Engine) RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error {
	data, err := e.converter.To(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", eventName, err)
	}

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	rec, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("raise %s on %s: %w", eventName, instanceID, err)
	}
	if rec.Status.IsTerminal() {
		e.logger.DebugContext(ctx, "event_dropped",
			slog.String("instance_id", instanceID),
			slog.String("event", eventName),
			slog.String("status", string(rec.Status)),
		)
		return nil
	}
	if !e.router.Offer(instanceID, eventName) {
		return e.bufferEvent(ctx, rec, eventName, data)
	}

	history, err := e.history.LoadHistory(ctx, instanceID, rec.Execution)
	if err == nil {
		err = e.appendAt(ctx, instanceID, rec.Execution, len(history), api.NewExternalEventReceived(eventName, data))
	}
	// The consumed wait is registered again by the next pass.
	e.dispatch.kick(instanceID)
	if err != nil {
		return fmt.Errorf("raise %s on %s: %w", eventName, instanceID, err)
	}
	return nil
}

// bufferEvent stores an event nobody waits for yet with the instance. The
// queued pass hands it over once the orchestration waits for it.
func (e *Engine) bufferEvent(ctx context.Context, rec *persistence.InstanceRecord, eventName string, data []byte) error {
	buf := events.Buffer(rec.Buffered)
	buf.Put(eventName, data)
	rec.Buffered = buf
	rec.UpdatedAt = e.clock.Now().UTC()
	if err := e.instances.UpdateInstance(ctx, rec); err != nil {
		return fmt.Errorf("buffer %s on %s: %w", eventName, rec.ID, err)
	}
	e.dispatch.kick(rec.ID)
	return nil
}

func (e *Engine) SignalEntity(ctx context.Context, id api.EntityID, operation string, input any) error {
	return e.runtime.Signal(ctx, id, operation, input)
}

func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*api.InstanceStatus, error) {
	rec, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("status of %s: %w", instanceID, err)
	}
	return rec.ToStatus(e.converter), nil
}

func (e *Engine) ManagementPayload(ctx context.Context, instanceID string) (api.ManagementPayload, error) {
	if _, err := e.instances.GetInstance(ctx, instanceID); err != nil {
		return api.ManagementPayload{}, fmt.Errorf("management payload of %s: %w", instanceID, err)
	}
	base := e.statusURL(instanceID)
	return api.ManagementPayload{
		ID:             instanceID,
		StatusQueryURL: base,
		RaiseEventURL:  base + "/raiseEvent/{eventName}",
		TerminateURL:   base + "/terminate?reason={text}",
	}, nil
}

// Terminate appends ExecutionTerminated and marks the instance Terminated.
// Outcomes of its outstanding activities and timers are dropped on arrival.
func (e *Engine) Terminate(ctx context.Context, instanceID, reason string) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	rec, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("terminate %s: %w", instanceID, api.ErrInstanceNotRunning)
	}

	history, err := e.history.LoadHistory(ctx, instanceID, rec.Execution)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", instanceID, err)
	}
	if err := e.appendAt(ctx, instanceID, rec.Execution, len(history), api.NewExecutionTerminated(reason)); err != nil {
		return err
	}
	return e.finish(ctx, rec, api.StatusTerminated, terminatedInfo(reason))
}

func (e *Engine) GetEntity(ctx context.Context, id api.EntityID) (*api.EntityState, error) {
	id = api.NewEntityID(id.Type, id.Key)
	rec, err := e.entities.LoadEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	return &api.EntityState{
		ID:        rec.ID,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
		Converter: e.converter,
	}, nil
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.InstanceStatus, error) {
	recs, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Name: opts.Name, Status: opts.Status})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]*api.InstanceStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ToStatus(e.converter))
	}
	return out, nil
}

// History returns the events of the instance's current execution.
func (e *Engine) History(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rec, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", instanceID, err)
	}
	return e.history.LoadHistory(ctx, instanceID, rec.Execution)
}

// WaitForCompletion polls the instance every PollInterval of wall time.
func (e *Engine) WaitForCompletion(ctx context.Context, instanceID string) (*api.InstanceStatus, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := e.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if st.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
