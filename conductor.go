package conductor

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conductor/internal/engine"
	"github.com/petrijr/conductor/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Client               = api.Client
	Orchestrator         = api.Orchestrator
	OrchestrationContext = api.OrchestrationContext
	Task                 = api.Task
	CallOption           = api.CallOption
	Activity             = api.Activity
	ActivityContext      = api.ActivityContext
	ActivityOptions      = api.ActivityOptions
	EntityOperation      = api.EntityOperation
	EntityContext        = api.EntityContext
	EntityID             = api.EntityID
	EntityState          = api.EntityState
	InstanceStatus       = api.InstanceStatus
	InstanceListOptions  = api.InstanceListOptions
	ManagementPayload    = api.ManagementPayload
	HistoryEvent         = api.HistoryEvent
	Status               = api.Status
	RetryPolicy          = api.RetryPolicy
	ErrorInfo            = api.ErrorInfo
	ActivityError        = api.ActivityError
	Converter            = api.Converter
	Observer             = api.Observer
	ActivityAttempt      = api.ActivityAttempt
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// EngineConfig configures NewEngineWithConfig.
	EngineConfig = engine.Config
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewEntityID          = api.NewEntityID
	NewApplicationError  = api.NewApplicationError
	WithInstanceID       = api.WithInstanceID
	WithRetryPolicy      = api.WithRetryPolicy
	WhenAll              = api.WhenAll
)

// Re-export sentinel errors.

var (
	ErrInstanceNotFound   = api.ErrInstanceNotFound
	ErrInstanceExists     = api.ErrInstanceExists
	ErrInstanceNotRunning = api.ErrInstanceNotRunning
	ErrEntityNotFound     = api.ErrEntityNotFound
	ErrEventTimeout       = api.ErrEventTimeout
	ErrNonDeterministic   = api.ErrNonDeterministic
)

// Re-export status values for convenience.

const (
	StatusRunning        = api.StatusRunning
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed
	StatusContinuedAsNew = api.StatusContinuedAsNew
	StatusTerminated     = api.StatusTerminated
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewEngineWithConfig returns an Engine built from cfg.
func NewEngineWithConfig(cfg EngineConfig) Engine {
	return engine.NewEngineWithConfig(cfg)
}

// NewSQLiteEngine returns an Engine that keeps history, instances, entity
// state and the activity queue in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists to PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that persists to Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that persists to the named MongoDB database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (Engine, error) {
	return engine.NewMongoEngine(ctx, client, dbName)
}

// Run starts an orchestration and blocks until it leaves StatusRunning.
// The engine must already be started.
func Run(ctx context.Context, c Client, name string, input any, opts ...api.StartOption) (*InstanceStatus, error) {
	id, err := c.StartOrchestration(ctx, name, input, opts...)
	if err != nil {
		return nil, err
	}
	return c.WaitForCompletion(ctx, id)
}
