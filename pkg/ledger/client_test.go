package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, Producer{Service: "ledger-test", Version: "test"})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testScope() Scope {
	return Scope{TenantID: "acme", ProjectID: "website"}
}

func TestNew(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, err := New(&redis.Options{Addr: "localhost:6379"}, Producer{Service: "dreyd", Version: "dev"})
		require.NoError(t, err)
		assert.NotNil(t, client)
		assert.Equal(t, "dreyd", client.Producer().Service)
		client.Close()
	})

	t.Run("rejects empty producer service", func(t *testing.T) {
		_, err := New(&redis.Options{Addr: "localhost:6379"}, Producer{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "producer service cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	err := client.Ping(ctx)
	assert.NoError(t, err)
}

func TestNowMS(t *testing.T) {
	client, _ := setupTestClient(t)

	fixed := time.UnixMilli(1700000000000)
	client.WithClock(func() time.Time { return fixed })

	assert.Equal(t, int64(1700000000000), client.NowMS())
}

func TestAtomically(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	t.Run("commits queued writes", func(t *testing.T) {
		err := client.Atomically(ctx, func(tx *redis.Tx) error {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, "atomic:out", "committed", 0)
				return nil
			})
			return err
		}, "atomic:watched")
		require.NoError(t, err)

		got, err := mr.Get("atomic:out")
		require.NoError(t, err)
		assert.Equal(t, "committed", got)
	})

	t.Run("retries when a watched key changes mid-transaction", func(t *testing.T) {
		outside := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer outside.Close()

		attempts := 0
		err := client.Atomically(ctx, func(tx *redis.Tx) error {
			attempts++
			if attempts == 1 {
				// A competing writer touches the watched key between our
				// read and EXEC, forcing a second attempt.
				require.NoError(t, outside.Set(ctx, "atomic:contended", "stolen", 0).Err())
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, "atomic:winner", "me", 0)
				return nil
			})
			return err
		}, "atomic:contended")

		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("domain errors abort without retrying", func(t *testing.T) {
		attempts := 0
		err := client.Atomically(ctx, func(tx *redis.Tx) error {
			attempts++
			return E(KindNotClaimable, "decision is already rendered")
		}, "atomic:aborted")

		assert.Equal(t, 1, attempts)
		assert.True(t, IsKind(err, KindNotClaimable))
	})

	t.Run("requires at least one watched key", func(t *testing.T) {
		err := client.Atomically(ctx, func(tx *redis.Tx) error { return nil })
		assert.Error(t, err)
	})
}

func TestSubscribeEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	scope := testScope()

	sub, err := client.SubscribeEvents(ctx, scope)
	require.NoError(t, err)
	defer sub.Close()

	appended, _, err := client.Append(ctx, scope, Draft{
		Type:          EventCardCreated,
		CorrelationID: "corr-stream",
		Payload:       CardCreatedPayload{Title: "streamed", Priority: DefaultPriority},
	})
	require.NoError(t, err)

	select {
	case streamed := <-sub.Events():
		assert.Equal(t, appended.ID, streamed.ID)
		assert.Equal(t, EventCardCreated, streamed.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	client, _ := setupTestClient(t)

	sub, err := client.SubscribeEvents(context.Background(), testScope())
	require.NoError(t, err)

	sub.Close()
	sub.Close()
}
