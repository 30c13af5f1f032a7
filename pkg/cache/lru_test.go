package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUCache(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMiss", testGetMiss},
		{"GetReturnsStaleEntry", testGetReturnsStaleEntry},
		{"SetOverMaxSizeEvictsOldest", testSetOverMaxSizeEvictsOldest},
		{"SetOverMaxSizePrefersExpired", testSetOverMaxSizePrefersExpired},
		{"InvalidateRemovesEntry", testInvalidateRemovesEntry},
		{"InvalidatePrefix", testInvalidatePrefix},
		{"InvalidateAllClearsCache", testInvalidateAllClearsCache},
		{"SetUpdatesExisting", testSetUpdatesExisting},
		{"ConcurrentAccess", testConcurrentAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func entry(key, payload string, fetchedAt time.Time, ttl time.Duration) Entry {
	return Entry{Key: key, Payload: []byte(payload), FetchedAt: fetchedAt, TTL: ttl}
}

func testSetAndGet(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Now()
	c.Set(entry("key1", "value1", now, time.Minute))

	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got.Payload) != "value1" {
		t.Fatalf("expected %q, got %q", "value1", string(got.Payload))
	}
	if !got.FreshAt(now.Add(59 * time.Second)) {
		t.Fatal("expected entry to be fresh before its TTL")
	}
}

func testGetMiss(t *testing.T) {
	c := NewLRUCache(10)
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected cache miss")
	}
}

func testGetReturnsStaleEntry(t *testing.T) {
	c := NewLRUCache(10)
	fetched := time.Now().Add(-time.Hour)
	c.Set(entry("key1", "old", fetched, time.Minute))

	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected stale entry to still be returned")
	}
	if got.FreshAt(time.Now()) {
		t.Fatal("expected entry to be stale")
	}
	// now - fetchedAt == ttl is already stale.
	if got.FreshAt(fetched.Add(time.Minute)) {
		t.Fatal("expected entry to be stale exactly at its TTL")
	}
}

func testSetOverMaxSizeEvictsOldest(t *testing.T) {
	c := NewLRUCache(3)
	base := time.Now()
	tick := base
	c.now = func() time.Time { return tick }

	for i, key := range []string{"a", "b", "c"} {
		tick = base.Add(time.Duration(i) * time.Millisecond)
		c.Set(entry(key, key, base, time.Hour))
	}

	tick = base.Add(10 * time.Millisecond)
	c.Set(entry("d", "d", base, time.Hour))

	if c.Size() != 3 {
		t.Fatalf("expected size 3 after eviction, got %d", c.Size())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected 'a' to be evicted")
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("expected %q to still be in cache", key)
		}
	}
}

func testSetOverMaxSizePrefersExpired(t *testing.T) {
	c := NewLRUCache(2)
	now := time.Now()
	c.Set(entry("fresh", "1", now, time.Hour))
	c.Set(entry("expired", "2", now.Add(-2*time.Hour), time.Hour))

	c.Set(entry("new", "3", now, time.Hour))

	if _, ok := c.Get("expired"); ok {
		t.Fatal("expected the expired entry to be evicted first")
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("expected the fresh entry to survive")
	}
}

func testInvalidateRemovesEntry(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Now()
	c.Set(entry("key1", "value1", now, time.Minute))
	c.Set(entry("key2", "value2", now, time.Minute))

	c.Invalidate("key1")

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected 'key1' to be invalidated")
	}
	if _, ok := c.Get("key2"); !ok {
		t.Fatal("expected 'key2' to still be in cache")
	}
}

func testInvalidatePrefix(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Now()
	c.Set(entry("search:university:q=a", "1", now, time.Minute))
	c.Set(entry("search:university:q=b", "2", now, time.Minute))
	c.Set(entry("search:deadline:q=a", "3", now, time.Minute))

	if n := c.InvalidatePrefix("search:university:"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := c.Get("search:deadline:q=a"); !ok {
		t.Fatal("expected other prefixes to survive")
	}
}

func testInvalidateAllClearsCache(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Now()
	for _, key := range []string{"key1", "key2", "key3"} {
		c.Set(entry(key, key, now, time.Minute))
	}

	c.InvalidateAll()

	if c.Size() != 0 {
		t.Fatalf("expected size 0 after InvalidateAll, got %d", c.Size())
	}
}

func testSetUpdatesExisting(t *testing.T) {
	c := NewLRUCache(10)
	now := time.Now()
	c.Set(entry("key1", "old", now, time.Minute))
	c.Set(entry("key1", "new", now, time.Minute))

	got, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got.Payload) != "new" {
		t.Fatalf("expected %q, got %q", "new", string(got.Payload))
	}
	if c.Size() != 1 {
		t.Fatalf("expected size 1 after update, got %d", c.Size())
	}
}

func testConcurrentAccess(t *testing.T) {
	c := NewLRUCache(100)
	now := time.Now()

	var wg sync.WaitGroup
	goroutines := 50
	ops := 100

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				key := fmt.Sprintf("key-%d-%d", id, j)
				c.Set(entry(key, key, now, time.Minute))
				c.Get(key)
				if j%10 == 0 {
					c.Invalidate(key)
				}
			}
		}(i)
	}

	wg.Wait()

	if c.Size() > 100 {
		t.Fatalf("expected size <= 100, got %d", c.Size())
	}
}
