// Package kv provides the shared key-value storage layer.
//
// Every stateful component (rate limiter, SSRF verdict cache, scan reports,
// merchant snapshots, projection ledger) persists through this interface.
// Two implementations exist: MemoryStore for demo/test use and PostgresStore
// for production. The variant is chosen once at server construction, never
// branched on at call sites.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a stopped store.
var ErrClosed = errors.New("kv: store closed")

// Store is the key-value contract.
//
// Plain entries support TTL expiry; an expired key reads as absent.
// Lists are append-only and read newest-first (ListAppend prepends, so
// ListRange returns the most recent value at index 0). Maps are plain
// field/value hashes without expiry.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ListAppend prepends value to the list at key, creating it if needed.
	ListAppend(ctx context.Context, key string, value []byte) error

	// ListRange returns all list values newest-first. Missing keys return
	// an empty slice, not an error.
	ListRange(ctx context.Context, key string) ([][]byte, error)

	// MapSet stores value under field in the map at key.
	MapSet(ctx context.Context, key, field string, value []byte) error

	// MapGetAll returns all field/value pairs in the map at key.
	MapGetAll(ctx context.Context, key string) (map[string][]byte, error)
}
