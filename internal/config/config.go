// Package config loads the process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Backend selects the storage used for history, instances, entities and
// the activity task queue.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMongo    Backend = "mongo"
)

// Config holds the complete application configuration.
type Config struct {
	Service string `json:"service_name" env:"APP_NAME" envDefault:"conductor"`
	Version string `json:"version"      env:"VERSION"  envDefault:"v0.1.0"`

	Storage  StorageConfig  `json:"storage"  envPrefix:"STORAGE_"`
	Engine   EngineConfig   `json:"engine"   envPrefix:"ENGINE_"`
	Logger   LoggerConfig   `json:"logger"   envPrefix:"LOG_"`
	Metrics  MetricsConfig  `json:"metrics"  envPrefix:"METRICS_"`
	Schedule ScheduleConfig `json:"schedule" envPrefix:"SCHEDULE_"`
}

type StorageConfig struct {
	Backend Backend `json:"backend" env:"BACKEND" envDefault:"memory"`

	// SQLitePath is a file name or ":memory:".
	SQLitePath  string `json:"sqlite_path"  env:"SQLITE_PATH"  envDefault:"conductor.db"`
	PostgresDSN string `json:"postgres_dsn" env:"POSTGRES_DSN"`
	RedisURL    string `json:"redis_url"    env:"REDIS_URL"    envDefault:"redis://localhost:6379/0"`
	MongoURI    string `json:"mongo_uri"    env:"MONGO_URI"    envDefault:"mongodb://localhost:27017"`
	MongoDB     string `json:"mongo_db"     env:"MONGO_DB"     envDefault:"conductor"`
}

type EngineConfig struct {
	OrchestrationWorkers int           `json:"orchestration_workers" env:"ORCHESTRATION_WORKERS" envDefault:"4"`
	ActivityWorkers      int           `json:"activity_workers"      env:"ACTIVITY_WORKERS"      envDefault:"4"`
	MaxEntityTurns       int64         `json:"max_entity_turns"      env:"MAX_ENTITY_TURNS"      envDefault:"16"`
	ActivityTimeout      time.Duration `json:"activity_timeout"      env:"ACTIVITY_TIMEOUT"`
	BaseURL              string        `json:"base_url"              env:"BASE_URL"`

	// DefaultRetryAttempts applies to activities without a policy of their own.
	DefaultRetryAttempts int           `json:"default_retry_attempts" env:"DEFAULT_RETRY_ATTEMPTS" envDefault:"3"`
	DefaultRetryBackoff  time.Duration `json:"default_retry_backoff"  env:"DEFAULT_RETRY_BACKOFF"  envDefault:"1s"`
}

type LoggerConfig struct {
	// Format is one of text, json or pretty.
	Format string `json:"format" env:"FORMAT" envDefault:"text"`
	Level  string `json:"level"  env:"LEVEL"  envDefault:"info"`

	// OTLP additionally exports records through the OTLP/HTTP log exporter,
	// configured by the standard OTEL_EXPORTER_OTLP_* variables.
	OTLP bool `json:"otlp" env:"OTLP"`
}

type MetricsConfig struct {
	// Addr serves /metrics when non-empty, e.g. ":9090".
	Addr string `json:"addr" env:"ADDR"`
}

type ScheduleConfig struct {
	// QuoteRefresh is a cron spec that starts a QuoteRefresh orchestration.
	QuoteRefresh string `json:"quote_refresh" env:"QUOTE_REFRESH"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendMongo:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("STORAGE_POSTGRES_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Logger.Format {
	case "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logger.Format))
	}
	if c.Engine.OrchestrationWorkers < 1 || c.Engine.ActivityWorkers < 1 {
		errs = append(errs, errors.New("worker counts must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) ServiceName() string {
	return c.Service
}
