// Package blobstore defines the object-store abstraction the archive tier
// writes compressed blocks through, plus local, in-memory, and S3-backed
// implementations.
package blobstore

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the requested key does not exist.
// Implementations must wrap it so callers can use errors.Is.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is the minimal object-store contract the archive tier needs: put,
// get, delete, and list-by-prefix. Implementations must be safe for
// concurrent use by multiple goroutines.
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, in lexicographic
	// key order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// JoinKey builds a blob key from path-like segments, joined with "/"
// regardless of host OS, since blob keys are never local filesystem paths.
func JoinKey(segments ...string) string {
	return strings.Join(segments, "/")
}
