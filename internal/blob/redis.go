package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/ledger"
)

// ProviderRedis names the redis driver in storage pointers.
const ProviderRedis = "redis"

// Redis stores artifact bytes as plain Redis values in the project's
// namespace. No eviction: artifact retention follows ledger retention.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates the redis blob driver over an existing connection.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Put stores data at the scoped blob key.
func (r *Redis) Put(ctx context.Context, s ledger.Scope, key string, data []byte, _ string) (ledger.StoragePointer, error) {
	if err := r.rdb.Set(ctx, ledger.BlobKey(s, key), data, 0).Err(); err != nil {
		return ledger.StoragePointer{}, fmt.Errorf("failed to store blob: %w", err)
	}
	return ledger.StoragePointer{Provider: ProviderRedis, Key: key}, nil
}

// Get retrieves the bytes behind a redis pointer.
func (r *Redis) Get(ctx context.Context, s ledger.Scope, ptr ledger.StoragePointer) ([]byte, error) {
	if ptr.Provider != ProviderRedis {
		return nil, ledger.E(ledger.KindInvalidArgument, "redis blob store cannot read provider %q", ptr.Provider)
	}
	data, err := r.rdb.Get(ctx, ledger.BlobKey(s, ptr.Key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.NotFoundErr("blob", ptr.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// SignedURL is unsupported: redis blobs are only reachable through the API.
func (r *Redis) SignedURL(context.Context, ledger.Scope, ledger.StoragePointer, time.Duration) (string, error) {
	return "", ledger.E(ledger.KindInvalidArgument, "redis blob store does not issue signed URLs")
}
