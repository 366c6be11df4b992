// Package kvcache defines the edge cache capability. The compiler mirrors
// small hot artifacts (bundles, runtime manifests) into this cache so the
// serving path can avoid the blob store; all writes are best-effort and the
// blob store stays authoritative.
package kvcache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("cache key not found")

// Cache is a TTL key-value cache.
//
// Implementations must be safe for concurrent use. A zero TTL means no
// expiration.
type Cache interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases cache resources.
	Close() error
}
