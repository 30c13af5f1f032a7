// Package cache provides the two-tier entity cache used by the read path: an
// in-memory LRU in front of a durable, database-backed entry table that
// survives restarts. Every entry carries its own TTL.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is one cached payload. It is valid iff now - FetchedAt < TTL.
type Entry struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
	TTL       time.Duration
}

// FreshAt reports whether the entry is still valid at now.
func (e Entry) FreshAt(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// ExpiresAt returns the instant the entry stops being fresh.
func (e Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(e.TTL)
}

type lruItem struct {
	entry      Entry
	insertedAt time.Time
}

// LRUCache is a thread-safe in-memory entry map with max-size eviction.
// Unlike a plain TTL cache it keeps expired entries until they are evicted
// or replaced: the read path may still need a stale copy, flagged as such,
// when every other source is down.
type LRUCache struct {
	mu      sync.RWMutex
	items   map[string]*lruItem
	maxSize int
	now     func() time.Time
}

// NewLRUCache creates a new cache with the given maximum size (min 1).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRUCache{
		items:   make(map[string]*lruItem, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves an entry by key, fresh or not.
func (c *LRUCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

// Set stores an entry. At capacity, an expired entry is evicted first, and
// otherwise the oldest insertion.
func (c *LRUCache) Set(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.items[e.Key]; !ok && len(c.items) >= c.maxSize {
		c.evictLocked(now)
	}
	c.items[e.Key] = &lruItem{entry: e, insertedAt: now}
}

// Invalidate removes a specific key from the cache.
func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *LRUCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// InvalidateAll removes all entries from the cache.
func (c *LRUCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruItem, c.maxSize)
}

// Size returns the number of entries currently held, stale ones included.
func (c *LRUCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictLocked must be called with c.mu held.
func (c *LRUCache) evictLocked(now time.Time) {
	var victim string
	var oldest time.Time
	first := true

	for k, it := range c.items {
		if !it.entry.FreshAt(now) {
			delete(c.items, k)
			return
		}
		if first || it.insertedAt.Before(oldest) {
			victim = k
			oldest = it.insertedAt
			first = false
		}
	}

	if !first {
		delete(c.items, victim)
	}
}
