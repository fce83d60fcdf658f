package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked limiter keys.
	maxTrackedKeys = 4096

	// Discord allows roughly five message edits per channel every five seconds.
	defaultEditEvery = time.Second
	defaultEditBurst = 5
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// KeyedLimiter paces calls per key (a chat channel id) with a token bucket.
// The number of tracked keys is bounded. Safe for concurrent use.
type KeyedLimiter struct {
	every time.Duration
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewKeyedLimiter creates a limiter allowing burst calls and one more every
// interval per key. Zero values use the edit pacing defaults.
func NewKeyedLimiter(every time.Duration, burst int) *KeyedLimiter {
	if every <= 0 {
		every = defaultEditEvery
	}
	if burst <= 0 {
		burst = defaultEditBurst
	}
	return &KeyedLimiter{every: every, burst: burst, entries: make(map[string]*limiterEntry)}
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if e, ok := k.entries[key]; ok {
		e.lastUsed = now
		return e.limiter
	}

	if len(k.entries) >= maxTrackedKeys {
		// Drop idle keys first; a key idle for burst intervals has a full bucket anyway.
		idle := time.Duration(k.burst) * k.every
		for key, e := range k.entries {
			if now.Sub(e.lastUsed) >= idle {
				delete(k.entries, key)
			}
		}
		for len(k.entries) >= maxTrackedKeys {
			for key := range k.entries {
				delete(k.entries, key)
				break
			}
		}
	}

	l := rate.NewLimiter(rate.Every(k.every), k.burst)
	k.entries[key] = &limiterEntry{limiter: l, lastUsed: now}
	return l
}

// Wait blocks until a call for key is allowed or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).Wait(ctx)
}
