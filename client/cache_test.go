package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheTTLExpiry(t *testing.T) {
	base := time.Now()
	now := base
	c := NewCache[string]()
	c.now = func() time.Time { return now }

	c.Set("k", "v", 100*time.Millisecond)

	now = base.Add(50 * time.Millisecond)
	v, status := c.Lookup("k")
	assert.Equal(t, CacheHit, status)
	assert.Equal(t, "v", v)

	now = base.Add(150 * time.Millisecond)
	_, status = c.Lookup("k")
	assert.Equal(t, CacheExpired, status)

	// The expired entry was evicted, so the next lookup is a plain miss.
	_, status = c.Lookup("k")
	assert.Equal(t, CacheMiss, status)
}

func TestCacheMissVersusExpired(t *testing.T) {
	c := NewCache[int]()

	_, status := c.Lookup("never-stored")
	assert.Equal(t, CacheMiss, status)
}

func TestCacheLastWriteWins(t *testing.T) {
	base := time.Now()
	now := base
	c := NewCache[string]()
	c.now = func() time.Time { return now }

	c.Set("k", "old", 10*time.Millisecond)
	now = base.Add(5 * time.Millisecond)
	c.Set("k", "new", time.Hour)

	now = base.Add(50 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok, "the fresher write must survive the older entry's TTL")
	assert.Equal(t, "new", v)
}

func TestCacheDelete(t *testing.T) {
	c := NewCache[string]()
	c.Set("k", "v", time.Hour)
	c.Delete("k")

	_, status := c.Lookup("k")
	assert.Equal(t, CacheMiss, status)
	assert.Equal(t, 0, c.Len())
}
