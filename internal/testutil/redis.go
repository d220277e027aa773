//go:build integration

// Package testutil provides the real-Redis harness for integration tests.
// Unit tests use miniredis; these helpers exist for the tests that exercise
// behavior miniredis cannot fake, such as pub/sub delivery timing.
package testutil

import (
	"context"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/drey/pkg/ledger"
)

const redisPort = nat.Port("6379/tcp")

// StartRedis runs a Redis container and returns its address. The container
// is terminated when the test finishes.
func StartRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{string(redisPort)},
			WaitingFor:   wait.ForListeningPort(redisPort),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, redisPort)
	require.NoError(t, err)

	return host + ":" + port.Port()
}

// NewLedgerClient connects a ledger client to the container at addr.
func NewLedgerClient(t *testing.T, addr string) *ledger.Client {
	t.Helper()
	client := ledger.NewFromClient(
		redis.NewClient(&redis.Options{Addr: addr}),
		ledger.Producer{Service: "integration-test", Version: "test"},
	)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Ping(context.Background()))
	return client
}
