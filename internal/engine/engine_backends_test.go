package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conductor/internal/testutil"
	"github.com/petrijr/conductor/pkg/api"
)

func registerGreeter(t *testing.T, eng *Engine) {
	t.Helper()
	mustRegisterActivity(t, eng, "Greet", func(ctx api.ActivityContext) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		return "hello " + name, nil
	}, api.ActivityOptions{})
	mustRegisterOrchestrator(t, eng, "Greeter", func(ctx api.OrchestrationContext) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		var greeting, suffix string
		if err := ctx.CallActivity("Greet", name).Await(&greeting); err != nil {
			return nil, err
		}
		if err := ctx.WaitForExternalEvent("Suffix", 0).Await(&suffix); err != nil {
			return nil, err
		}
		return greeting + suffix, nil
	})
}

// runGreeter drives one Greeter instance to completion on eng.
func runGreeter(t *testing.T, eng *Engine) {
	t.Helper()
	ctx := context.Background()
	id, err := eng.StartOrchestration(ctx, "Greeter", "ada")
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	if err := eng.RaiseEvent(ctx, id, "Suffix", "!"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	st := waitForCompletion(t, eng, id)
	var out string
	if err := st.ReadOutput(&out); err != nil || out != "hello ada!" {
		t.Fatalf("unexpected output %q (err=%v)", out, err)
	}
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteEngine_Greeter(t *testing.T) {
	eng, err := NewSQLiteEngine(openSQLite(t))
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	registerGreeter(t, eng)
	startEngine(t, eng)
	runGreeter(t, eng)
}

func TestSQLiteEngine_ResumesAfterRestart(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	first, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	registerGreeter(t, first)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id, err := first.StartOrchestration(ctx, "Greeter", "grace")
	if err != nil {
		t.Fatalf("StartOrchestration failed: %v", err)
	}
	waitIdle(t, first)
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	second, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	registerGreeter(t, second)
	startEngine(t, second)

	if err := second.RaiseEvent(ctx, id, "Suffix", "?"); err != nil {
		t.Fatalf("RaiseEvent failed: %v", err)
	}
	st := waitForCompletion(t, second, id)
	var out string
	if err := st.ReadOutput(&out); err != nil || out != "hello grace?" {
		t.Fatalf("unexpected output %q (err=%v)", out, err)
	}
}

func TestPostgresEngine_Greeter(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewPostgresEngine(db)
	if err != nil {
		t.Fatalf("NewPostgresEngine failed: %v", err)
	}
	registerGreeter(t, eng)
	startEngine(t, eng)
	runGreeter(t, eng)
}

func TestRedisEngine_Greeter(t *testing.T) {
	addr := testutil.StartRedisContainer(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	eng := NewRedisEngine(client)
	registerGreeter(t, eng)
	startEngine(t, eng)
	runGreeter(t, eng)
}

func TestMongoEngine_Greeter(t *testing.T) {
	uri := testutil.StartMongoContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	eng, err := NewMongoEngine(ctx, client, "conductor_engine_test")
	if err != nil {
		t.Fatalf("NewMongoEngine failed: %v", err)
	}
	registerGreeter(t, eng)
	startEngine(t, eng)
	runGreeter(t, eng)
}
