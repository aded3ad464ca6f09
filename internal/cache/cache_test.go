package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codex-k8s/governance-plane/internal/cache"
)

func TestCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New[string](time.Minute, 10).WithClock(func() time.Time { return now })

	c.Set("a", "1")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New[int](time.Hour, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	c.Delete("a")
	assert.Equal(t, 1, c.Len())
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *cache.Cache[int]
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
