// Package blob defines the content-addressed object store capability used
// for capsule bundles and compiled artifacts. Objects are immutable once
// written; callers overwrite whole keys rather than mutating in place.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// MetaSHA256 is the metadata key carrying the per-file SHA-256 hex digest.
const MetaSHA256 = "sha256"

// MetaContentType is the metadata key carrying the object content type.
const MetaContentType = "content-type"

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key      string
	Size     int64
	Metadata map[string]string
}

// Store is the content-addressed blob store capability.
//
// Keys follow the platform layout:
//
//	capsules/{contentHash}/{path}
//	artifacts/{artifactId}/bundle.js
//	artifacts/{artifactId}/v1/runtime-manifest.json
//	artifacts/{artifactId}/manifest.json
//
// Implementations must be safe for concurrent use. Writes are
// last-write-wins; since bundle keys embed the content hash, concurrent
// writers of the same key are writing identical bytes.
type Store interface {
	// Put stores data under key with optional per-object metadata.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Get returns the object payload, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns object info without the payload, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under a prefix, lexicographically sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
