package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conductor/internal/testutil"
)

func TestPostgresQueue(t *testing.T) {
	dsn := testutil.StartPostgresContainer(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewPostgresQueue(db, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	runQueueContract(t, q)
	runDelayedContract(t, q)
	runOneTaskPerCallContract(t, q)
}

func TestRedisQueue(t *testing.T) {
	addr := testutil.StartRedisContainer(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})

	q := NewRedisQueue(client, WithPrefix("conductor:test:"), WithPollInterval(10*time.Millisecond))

	runQueueContract(t, q)
	runDelayedContract(t, q)
	runOneTaskPerCallContract(t, q)
}

func TestMongoQueue(t *testing.T) {
	uri := testutil.StartMongoContainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	q := NewMongoQueue(client, "conductor_test", "", WithPollInterval(10*time.Millisecond))

	runQueueContract(t, q)
	runDelayedContract(t, q)
	runOneTaskPerCallContract(t, q)
}
