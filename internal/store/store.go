// Package store provides the ephemeral keyed store the engine keeps all of
// its mutable state in: challenges, failure counters, attempt counters and
// session flags. Every entry carries a TTL and mutation is expressed through
// atomic operations so concurrent requests from the same session cannot lose
// updates or double-consume a challenge.
package store

import (
	"context"
	"time"
)

// Store is a key-value store with per-key TTL semantics.
type Store interface {
	// Get returns the value for key, or ok=false if the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// GetDel atomically fetches and removes key. Under concurrent calls at
	// most one caller observes the value; the rest see ok=false.
	GetDel(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key for ttl. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Has reports whether key exists and has not expired.
	Has(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the integer counter at key and returns the
	// new value. The TTL is applied when the counter is created and refreshed
	// on every increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetInt returns the counter at key, or 0 if absent.
	GetInt(ctx context.Context, key string) (int64, error)

	Close() error
}
