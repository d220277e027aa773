// Package blob abstracts artifact byte storage. The registry stores only a
// manifest with an opaque pointer; this package owns what the pointer means.
// Two drivers ship: redis (bytes live next to the ledger, for development and
// small deployments) and s3 (bucketed object storage with presigned GETs).
package blob

import (
	"context"
	"time"

	"github.com/dyluth/drey/pkg/ledger"
)

// Store writes and reads artifact content addressed by an opaque pointer.
type Store interface {
	// Put stores data under key and returns the pointer the manifest records.
	Put(ctx context.Context, s ledger.Scope, key string, data []byte, mediaType string) (ledger.StoragePointer, error)

	// Get retrieves the bytes a pointer names.
	Get(ctx context.Context, s ledger.Scope, ptr ledger.StoragePointer) ([]byte, error)

	// SignedURL returns a time-limited retrieval URL for the pointer.
	// Drivers without URL support return KindInvalidArgument.
	SignedURL(ctx context.Context, s ledger.Scope, ptr ledger.StoragePointer, expiry time.Duration) (string, error)
}

// ContentKey builds the canonical object key for content-addressed artifact
// bytes. Identical content shares a key, so overwrites are byte-identical.
func ContentKey(sha256Hex string) string {
	return "artifacts/" + sha256Hex
}
