package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type PollingFunc func(context.Context) bool

// Poll is a Proc that polls a given function regularly.
// If the function returns true, it will be called again immediately.
// This is useful for supervisors that want to re-check state right after
// acting on it.
func Poll(interval time.Duration, fn PollingFunc) Proc {
	return func(ctx context.Context) error {
		jitter := time.Duration(interval)
		ticker := time.NewTicker(jitter)
		defer ticker.Stop()
		for {
			if fn(ctx) {
				continue // re-check immediately
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			ticker.Reset(time.Duration(float64(interval) * (0.9 + 0.2*rand.Float64())))
		}
	}
}

// KeyedLimiter rate limits by an arbitrary key (typically a client IP).
// Stale keys are pruned once the map grows past a threshold so it doesn't
// grow without bound.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	limit    rate.Limit
	burst    int
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter allows burst requests per key, refilling at a rate of
// burst per window.
func NewKeyedLimiter(window time.Duration, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: map[string]*keyedEntry{},
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
	}
}

func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	entry, ok := k.limiters[key]
	if !ok {
		entry = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = entry
	}
	entry.lastSeen = now

	if len(k.limiters) > 1024 {
		for key, e := range k.limiters {
			if now.Sub(e.lastSeen) > time.Hour {
				delete(k.limiters, key)
			}
		}
	}
	return entry.limiter.Allow()
}
