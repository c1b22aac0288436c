package client

import (
	"sync"
	"time"
)

// CacheStatus distinguishes a key that was never stored from one whose TTL
// lapsed. Neither is an error; they are normal control-flow outcomes.
type CacheStatus int

const (
	CacheHit CacheStatus = iota
	CacheMiss
	CacheExpired
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a process-wide TTL store shared by the request client and any
// higher-level caller that opts into caching. Expired entries are evicted
// lazily on lookup; TTLs are short relative to use, so no background sweep
// is needed. Writes are last-write-wins so a legitimate refresh is never
// shadowed by an older entry.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]

	// now is injectable for TTL tests.
	now func() time.Time
}

// NewCache creates an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]cacheEntry[V]),
		now:     time.Now,
	}
}

// Lookup returns the stored value and its status. An entry past its TTL is
// removed and reported as CacheExpired; an absent key is CacheMiss.
func (c *Cache[V]) Lookup(key string) (V, CacheStatus) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, CacheMiss
	}
	if c.now().Sub(entry.storedAt) >= entry.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a fresher write may have landed.
		if cur, ok := c.entries[key]; ok && cur.storedAt.Equal(entry.storedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, CacheExpired
	}
	return entry.value, CacheHit
}

// Get returns the stored value when fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, status := c.Lookup(key)
	return v, status == CacheHit
}

// Set stores a value with the given TTL, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: value, storedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Delete removes an entry.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, including not-yet-evicted
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
