package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conductor/internal/config"
	"github.com/petrijr/conductor/internal/engine"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openBackend fills the persistence and queue fields of ecfg for the
// configured backend. The returned closer releases the connection.
func openBackend(ctx context.Context, cfg config.StorageConfig, ecfg *engine.Config) (io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		ecfg.Persistence = persistence.NewInMemoryPersistence()
		return closerFunc(func() error { return nil }), nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		if err := useSQL(db, ecfg, persistence.NewSQLitePersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewSQLiteQueue(db)
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := useSQL(db, ecfg, persistence.NewPostgresPersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewPostgresQueue(db)
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		ecfg.Persistence = persistence.NewRedisPersistence(client, "conductor:")
		ecfg.Queue = taskqueue.NewRedisQueue(client)
		return client, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := closerFunc(func() error { return client.Disconnect(context.Background()) })
		p, err := persistence.NewMongoPersistence(ctx, client, cfg.MongoDB)
		if err != nil {
			_ = disconnect.Close()
			return nil, err
		}
		ecfg.Persistence = p
		ecfg.Queue = taskqueue.NewMongoQueue(client, cfg.MongoDB, "activity_tasks")
		return disconnect, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func useSQL(
	db *sql.DB,
	ecfg *engine.Config,
	newPersistence func(*sql.DB) (*persistence.Persistence, error),
	newQueue func(*sql.DB) (taskqueue.Queue, error),
) error {
	p, err := newPersistence(db)
	if err != nil {
		return err
	}
	q, err := newQueue(db)
	if err != nil {
		return err
	}
	ecfg.Persistence = p
	ecfg.Queue = q
	return nil
}
