package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// PassAction is the outcome of one replay pass.
type PassAction string

const (
	PassSuspend       PassAction = "suspend"
	PassComplete      PassAction = "complete"
	PassFail          PassAction = "fail"
	PassContinueAsNew PassAction = "continue-as-new"
)

// ActivityAttempt identifies one invocation of an activity.
type ActivityAttempt struct {
	InstanceID   string
	TaskID       int
	ActivityName string
	Attempt      int
}

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay replay passes or activity workers.
type Observer interface {
	// OnInstanceStarted is called once when StartOrchestration has persisted
	// the instance, before its first pass.
	OnInstanceStarted(ctx context.Context, inst *InstanceStatus)

	// OnInstanceCompleted is called when an instance reaches StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *InstanceStatus)

	// OnInstanceFailed is called when an instance reaches StatusFailed or StatusTerminated.
	OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error)

	// OnPass is called after every replay pass with the number of appended events.
	OnPass(ctx context.Context, instanceID string, action PassAction, newEvents int, d time.Duration)

	// OnActivityAttempt is called after each activity invocation, for both
	// successes and failures (err != nil).
	OnActivityAttempt(ctx context.Context, attempt ActivityAttempt, err error, d time.Duration)

	// OnEntityTurn is called after each entity operation.
	OnEntityTurn(ctx context.Context, id EntityID, operation string, err error, d time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStarted(ctx context.Context, inst *InstanceStatus)            {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceStatus)          {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error) {}
func (NoopObserver) OnPass(ctx context.Context, id string, action PassAction, n int, d time.Duration) {
}
func (NoopObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt, err error, d time.Duration) {
}
func (NoopObserver) OnEntityTurn(ctx context.Context, id EntityID, op string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStarted(ctx context.Context, inst *InstanceStatus) {
	for _, o := range c.observers {
		o.OnInstanceStarted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceStatus) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnPass(ctx context.Context, id string, action PassAction, n int, d time.Duration) {
	for _, o := range c.observers {
		o.OnPass(ctx, id, action, n, d)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, a, err, d)
	}
}

func (c *CompositeObserver) OnEntityTurn(ctx context.Context, id EntityID, op string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnEntityTurn(ctx, id, op, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance, pass, activity
// and entity lifecycle events using the provided slog.Logger. If logger is
// nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStarted(ctx context.Context, inst *InstanceStatus) {
	o.Logger.InfoContext(ctx, "instance_started",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *InstanceStatus) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.Int("execution", inst.Execution),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestrator", inst.Name),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnPass(ctx context.Context, id string, action PassAction, n int, d time.Duration) {
	o.Logger.DebugContext(ctx, "replay_pass",
		slog.String("instance_id", id),
		slog.String("action", string(action)),
		slog.Int("new_events", n),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, a ActivityAttempt, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_attempt",
		slog.String("instance_id", a.InstanceID),
		slog.String("activity", a.ActivityName),
		slog.Int("task_id", a.TaskID),
		slog.Int("attempt", a.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEntityTurn(ctx context.Context, id EntityID, op string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "entity_turn",
		slog.String("entity", id.String()),
		slog.String("operation", op),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	passes             atomic.Int64
	activityAttempts   atomic.Int64
	activityFailures   atomic.Int64
	totalActivityTime  atomic.Int64 // nanoseconds
	entityTurns        atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	RunningInstances   int64

	Passes              int64
	ActivityAttempts    int64
	ActivityFailures    int64
	AvgActivityDuration time.Duration
	EntityTurns         int64
}

func (m *BasicMetrics) OnInstanceStarted(ctx context.Context, inst *InstanceStatus) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *InstanceStatus) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *InstanceStatus, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnPass(ctx context.Context, id string, action PassAction, n int, d time.Duration) {
	m.passes.Add(1)
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, a ActivityAttempt, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	if err != nil {
		m.activityFailures.Add(1)
	}
	m.totalActivityTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnEntityTurn(ctx context.Context, id EntityID, op string, err error, d time.Duration) {
	m.entityTurns.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	attempts := m.activityAttempts.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		RunningInstances:    started - completed - failed,
		Passes:              m.passes.Load(),
		ActivityAttempts:    attempts,
		ActivityFailures:    m.activityFailures.Load(),
		AvgActivityDuration: avg,
		EntityTurns:         m.entityTurns.Load(),
	}
}
