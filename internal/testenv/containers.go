//go:build integration

// Package testenv starts throwaway Redis and Postgres containers for the
// integration tests. Tests are skipped when no Docker daemon is reachable.
package testenv

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if c != nil {
			_ = c.Terminate(ctx)
		}
		t.Skipf("container %s unavailable: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s container: %v", req.Image, err)
		}
	})
	return c
}

func host(t *testing.T, c testcontainers.Container) string {
	t.Helper()
	h, err := c.Host(context.Background())
	require.NoError(t, err)
	return h
}

// Redis returns a client for a fresh Redis server.
func Redis(t *testing.T) *redis.Client {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})
	port, err := c.MappedPort(context.Background(), "6379/tcp")
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: host(t, c) + ":" + port.Port()})
	t.Cleanup(func() { _ = rc.Close() })
	require.Eventually(t, func() bool {
		return rc.Ping(context.Background()).Err() == nil
	}, 15*time.Second, 200*time.Millisecond, "redis not ready for connections")
	return rc
}

// Postgres returns the DSN of a fresh, empty database.
func Postgres(t *testing.T) string {
	t.Helper()
	c := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "ridex",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	port, err := c.MappedPort(context.Background(), "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=ridex sslmode=disable", host(t, c), port.Port())
	require.Eventually(t, func() bool {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return false
		}
		defer db.Close()
		return db.Ping() == nil
	}, 30*time.Second, time.Second, "postgres not ready for connections")
	return dsn
}
