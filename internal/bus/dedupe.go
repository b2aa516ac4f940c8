package bus

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache remembers recently seen event keys so transport redeliveries
// are dropped before they reach the handlers. It holds at most max keys.
type DedupeCache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 10000
	}
	return &DedupeCache{seen: expirable.NewLRU[string, struct{}](max, nil, ttl)}
}

// IsDuplicate records key and reports whether it was already seen within ttl.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen.Get(key); ok {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Forget drops key so a later redelivery is handled again.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Remove(key)
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	return d.seen.Len()
}
