// Package engine wires the history store, replay executor, task scheduler,
// timer service, event router and entity runtime into an api.Engine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/entities"
	"github.com/petrijr/conductor/internal/events"
	"github.com/petrijr/conductor/internal/executor"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/registry"
	"github.com/petrijr/conductor/internal/scheduler"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/internal/timers"
	"github.com/petrijr/conductor/pkg/api"
)

// DefaultBaseURL prefixes the handles returned by ManagementPayload.
const DefaultBaseURL = "http://localhost:7071/runtime/webhooks/durabletask"

// Config describes how to construct an Engine. Zero values get defaults.
type Config struct {
	Persistence *persistence.Persistence

	// Queue carries activity tasks. Defaults to an in-memory queue on Clock.
	// Recover re-dispatches open activity calls; a durable queue ignores
	// calls it still holds.
	Queue taskqueue.Queue

	Observer  api.Observer
	Logger    *slog.Logger
	Clock     clock.Clock
	Converter api.Converter

	// OrchestrationWorkers is the number of concurrent replay passes. Defaults to 4.
	OrchestrationWorkers int
	// ActivityWorkers is the number of concurrent activity invocations. Defaults to 4.
	ActivityWorkers int
	// MaxConcurrentEntityTurns defaults to 16.
	MaxConcurrentEntityTurns int64

	DefaultRetry    *api.RetryPolicy
	ActivityTimeout time.Duration

	BaseURL string

	// PollInterval is used by WaitForCompletion. Defaults to 20ms.
	PollInterval time.Duration
	// RetryDelay spaces attempts to record an activity outcome or dispatch
	// recorded work after a store or queue error. Defaults to timers.RetryDelay.
	RetryDelay time.Duration
}

// Engine is the durable orchestration engine. It is safe for concurrent use.
type Engine struct {
	cfg Config

	instances persistence.InstanceStore
	history   persistence.HistoryStore
	entities  persistence.EntityStore

	registry  *registry.Registry
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	timers    *timers.Service
	router    *events.Router
	runtime   *entities.Runtime

	locks       *keyedMutex
	dispatch    *dispatcher
	outstanding *taskSet

	observer  api.Observer
	logger    *slog.Logger
	clock     clock.Clock
	converter api.Converter

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	retries sync.WaitGroup
	started bool
}

var _ api.Engine = (*Engine)(nil)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) *Engine {
	if cfg.Persistence == nil {
		cfg.Persistence = persistence.NewInMemoryPersistence()
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
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewInMemoryQueue(taskqueue.WithClock(cfg.Clock))
	}
	if cfg.OrchestrationWorkers <= 0 {
		cfg.OrchestrationWorkers = 4
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = timers.RetryDelay
	}

	e := &Engine{
		cfg:         cfg,
		instances:   cfg.Persistence.Instances,
		history:     cfg.Persistence.History,
		entities:    cfg.Persistence.Entities,
		registry:    registry.New(),
		router:      events.New(),
		locks:       newKeyedMutex(),
		dispatch:    newDispatcher(),
		outstanding: newTaskSet(),
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		converter:   cfg.Converter,
	}
	e.executor = executor.New(e.registry, cfg.Converter, cfg.Logger)
	e.scheduler = scheduler.New(cfg.Queue, e.registry, e, scheduler.Config{
		Concurrency:     cfg.ActivityWorkers,
		DefaultRetry:    cfg.DefaultRetry,
		ActivityTimeout: cfg.ActivityTimeout,
		Observer:        cfg.Observer,
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Converter:       cfg.Converter,
	})
	e.timers = timers.New(cfg.Clock, e.fireTimer, cfg.Logger)
	e.runtime = entities.New(e.registry, e.entities, e, entities.Config{
		MaxConcurrentTurns: cfg.MaxConcurrentEntityTurns,
		NewInstanceID:      newInstanceID,
		Observer:           cfg.Observer,
		Logger:             cfg.Logger,
		Clock:              cfg.Clock,
		Converter:          cfg.Converter,
	})
	return e
}

// NewEngine returns an Engine over p with default settings.
func NewEngine(p *persistence.Persistence) *Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

func NewInMemoryEngine() *Engine {
	return NewEngine(persistence.NewInMemoryPersistence())
}

// NewSQLiteEngine stores history, instances, entities and activity tasks
// in db. In-memory databases need db.SetMaxOpenConns(1).
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: p, Queue: q}), nil
}

// NewPostgresEngine expects db opened with the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB) (*Engine, error) {
	p, err := persistence.NewPostgresPersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: p, Queue: q}), nil
}

// NewRedisEngine creates an engine that uses Redis for persistence and the
// activity task queue.
func NewRedisEngine(client *redis.Client) *Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.NewRedisPersistence(client, "conductor:"),
		Queue:       taskqueue.NewRedisQueue(client),
	})
}

func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (*Engine, error) {
	p, err := persistence.NewMongoPersistence(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	if dbName == "" {
		dbName = "conductor"
	}
	q := taskqueue.NewMongoQueue(client, dbName, "activity_tasks")
	return NewEngineWithConfig(Config{Persistence: p, Queue: q}), nil
}

func (e *Engine) RegisterOrchestrator(name string, fn api.Orchestrator) error {
	return e.registry.AddOrchestrator(name, fn)
}

func (e *Engine) RegisterActivity(name string, fn api.Activity, opts api.ActivityOptions) error {
	return e.registry.AddActivity(name, fn, opts)
}

func (e *Engine) RegisterEntity(entityType string, ops map[string]api.EntityOperation) error {
	return e.registry.AddEntity(entityType, ops)
}

// Start recovers in-flight instances and launches the background workers.
// The workers run until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.started {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	// Recovered calls are queued before any worker dequeues, so calls a
	// durable queue still holds are not dispatched twice.
	if _, err := e.Recover(runCtx); err != nil {
		e.logger.ErrorContext(ctx, "engine_recover_failed", slog.Any("error", err))
	}

	for i := 0; i < e.cfg.OrchestrationWorkers; i++ {
		g.Go(func() error {
			e.runDispatcher(gctx)
			return nil
		})
	}
	g.Go(func() error { return e.scheduler.Run(gctx) })
	g.Go(func() error { return e.timers.Run(gctx) })
	g.Go(func() error { return e.runtime.Run(gctx) })

	e.cancel = cancel
	e.group = g
	e.started = true
	return nil
}

// Stop cancels the background workers and waits for them to exit. Work
// that is already recorded in history resumes on the next Start.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.started {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	e.retries.Wait()
	e.started = false
	e.cancel = nil
	e.group = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WaitIdle blocks until no pass is queued or running, every dispatched
// activity has reported its outcome and no entity mailbox holds messages.
// Pending timers are not waited for.
func (e *Engine) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// quiescent reports whether all components were idle with no work handed
// between them while looking.
func (e *Engine) quiescent() bool {
	gen := e.dispatch.generation() + e.outstanding.generation()
	idle := e.runtime.Idle() && e.dispatch.idle() && e.outstanding.len() == 0
	return idle && gen == e.dispatch.generation()+e.outstanding.generation()
}

func (e *Engine) statusURL(id string) string {
	return fmt.Sprintf("%s/instances/%s", e.cfg.BaseURL, id)
}

func newInstanceID() string {
	return uuid.Must(uuid.NewV7()).String()
}
