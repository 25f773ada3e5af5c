// Package testutil starts throwaway backend containers for integration tests.
// Every helper skips the calling test under -short or when no container
// provider is available.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser = "conductor"
	pgDB   = "conductor_test"
)

// startContainer runs image with port exposed and returns its host:port.
func startContainer(t *testing.T, image, port string, waitFor wait.Strategy, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	opts = append([]testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(port),
		testcontainers.WithWaitStrategy(waitFor),
	}, opts...)
	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start %s", image)

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgUser, hostPort, pgDB)
}

// StartPostgresContainer runs postgres:16 and returns a pgx DSN.
func StartPostgresContainer(t *testing.T) string {
	t.Helper()
	ready := wait.ForAll(
		wait.ForListeningPort("5432/tcp"),
		wait.ForLog("ready to accept connections"),
		wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return postgresDSN(host + ":" + port.Port())
		}).WithQuery("SELECT 1"),
	).WithDeadline(2 * time.Minute)

	endpoint := startContainer(t, "postgres:16", "5432/tcp", ready,
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgUser,
			"POSTGRES_DB":       pgDB,
		}),
	)
	return postgresDSN(endpoint)
}

// StartMongoContainer runs mongo:7 and returns a mongodb:// URI.
func StartMongoContainer(t *testing.T) string {
	t.Helper()
	ready := wait.ForAll(
		wait.ForListeningPort("27017/tcp"),
		wait.ForLog("Waiting for connections"),
	)
	return "mongodb://" + startContainer(t, "mongo:7", "27017/tcp", ready)
}

// StartRedisContainer runs redis:7 and returns its host:port address.
func StartRedisContainer(t *testing.T) string {
	t.Helper()
	ready := wait.ForAll(
		wait.ForListeningPort("6379/tcp"),
		wait.ForLog("Ready to accept connections"),
	)
	return startContainer(t, "redis:7", "6379/tcp", ready)
}
