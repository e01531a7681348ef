// Package routecache memoizes (msg_id, player_id) -> backend instance
// routing decisions behind a bounded LRU with per-entry TTL.
package routecache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Key identifies one routing decision.
type Key struct {
	MsgID    int32
	PlayerID string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.MsgID, k.PlayerID)
}

// Cache is a bounded TTL+LRU route cache. Expired entries are swept
// opportunistically by the underlying cache; timeliness is not guaranteed.
type Cache struct {
	lru *expirable.LRU[Key, string]

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a cache of at most maxSize entries, each living at most ttl.
func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[Key, string](maxSize, nil, ttl),
	}
}

// Get returns the cached instance target and promotes the entry to MRU.
func (c *Cache) Get(key Key) (string, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores a decision, evicting the LRU entry when full.
func (c *Cache) Put(key Key, target string) {
	c.lru.Add(key, target)
}

// Invalidate drops a single entry, e.g. after an instance disappears.
func (c *Cache) Invalidate(key Key) {
	c.lru.Remove(key)
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats reports hit/miss counters for the observability surface.
func (c *Cache) Stats() map[string]any {
	return map[string]any{
		"size":   c.lru.Len(),
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
	}
}
