package httpx

import (
	"context"
	"log"
	"time"

	"github.com/formgate/formgate/internal/store"
)

// rateLimiter enforces a fixed-window per-client budget backed by the keyed
// store, so the limit holds across replicas. A zero limit disables it.
type rateLimiter struct {
	store  store.Store
	prefix string
	limit  int
	window time.Duration
}

func newRateLimiter(st store.Store, prefix string, limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{store: st, prefix: prefix, limit: limit, window: window}
}

// allow counts the request against the client's window. Store failures fail
// open.
func (rl *rateLimiter) allow(ctx context.Context, clientID string) bool {
	if rl.limit <= 0 {
		return true
	}
	n, err := rl.store.Incr(ctx, rl.prefix+clientID, rl.window)
	if err != nil {
		log.Printf("ratelimit: %v", err)
		return true
	}
	return n <= int64(rl.limit)
}
