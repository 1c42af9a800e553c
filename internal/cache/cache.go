// Package cache provides the shared redis cache and the query-path
// memoization built on it.
//
// The cache is advisory. Every caller treats a cache failure as a miss and
// recomputes from origin; nothing in the request path hard-depends on
// redis being up. The only semantic use is the per-user rate limit counter,
// which fails open by design choice: an unreachable cache must not take
// the query path down with it.
package cache

import (
	"context"
	"time"
)

// Cache is the byte-oriented cache capability.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the value with a lifetime.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Incr increments a counter, setting the lifetime on first increment,
	// and returns the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// HealthCheck verifies the cache is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
