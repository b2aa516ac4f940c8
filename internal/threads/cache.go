package threads

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// askCache is a size and age bounded set of thread IDs known to be ask
// threads. It only short-circuits store lookups; a miss falls back to the store.
type askCache struct {
	lru *expirable.LRU[string, struct{}]
}

func newAskCache(max int, ttl time.Duration) *askCache {
	if max <= 0 {
		max = 1024
	}
	return &askCache{lru: expirable.NewLRU[string, struct{}](max, nil, ttl)}
}

func (c *askCache) Add(threadID string) { c.lru.Add(threadID, struct{}{}) }

func (c *askCache) Contains(threadID string) bool {
	_, ok := c.lru.Get(threadID)
	return ok
}

func (c *askCache) Len() int { return c.lru.Len() }
