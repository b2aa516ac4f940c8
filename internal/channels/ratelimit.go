package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked keys so rotating source
	// keys cannot exhaust memory.
	maxTrackedKeys = 4096

	// idleWindow is how long an unused key is kept.
	idleWindow = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (remote address, user ID).
// Safe for concurrent use.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewKeyedLimiter allows perMinute events per key with the given burst.
// perMinute <= 0 disables limiting.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether an event for key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if len(k.entries) >= maxTrackedKeys {
		for key, e := range k.entries {
			if now.Sub(e.lastSeen) >= idleWindow {
				delete(k.entries, key)
			}
		}
		// Hard eviction if still at cap.
		for len(k.entries) >= maxTrackedKeys {
			for key := range k.entries {
				delete(k.entries, key)
				break
			}
		}
	}

	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}
