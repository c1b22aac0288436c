package feed

import (
	"sync"
	"time"

	"github.com/twan507/finext-sync/series"
)

// DefaultPayloadTTL bounds how long a last-known payload is considered worth
// replaying to a new subscriber.
const DefaultPayloadTTL = 5 * time.Minute

type payloadEntry struct {
	bars     series.Series
	storedAt time.Time
}

// Cache holds the last received payload per logical key and serves it
// synchronously to new subscribers before their first live event, so a chart
// renders immediately from stale-but-labeled data while the live channel
// catches up. Writes are last-write-wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]payloadEntry
	ttl     time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewCache creates a payload cache. A non-positive ttl falls back to
// DefaultPayloadTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultPayloadTTL
	}
	return &Cache{
		entries: make(map[string]payloadEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the last payload for the key when still fresh. Expired entries
// are evicted lazily.
func (c *Cache) Get(key string) (series.Series, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.storedAt.Equal(entry.storedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.bars, true
}

// Set stores the latest payload for the key.
func (c *Cache) Set(key string, bars series.Series) {
	c.mu.Lock()
	c.entries[key] = payloadEntry{bars: bars, storedAt: c.now()}
	c.mu.Unlock()
}

// Drop removes the payload for the key.
func (c *Cache) Drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
