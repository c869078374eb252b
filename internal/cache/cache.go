// Package cache implements the tenant-scoped, TTL-bound read-through
// cache in front of the resource layer. The cache is advisory:
// correctness never depends on it, and every failure is logged and
// treated as a miss.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a raw key/value store with TTL semantics. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key with the given prefix and
	// returns the number removed.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Close releases backend resources.
	Close() error
}
