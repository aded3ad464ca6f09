package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache stores values for a limited time and evicts the least recently used
// entry once full.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New creates a cache with the given ttl and max entries.
func New[V any](ttl time.Duration, maxEntries int) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache[V]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

// Get returns a cached value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil || key == "" {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return e.value, true
}

// Set stores value under key.
func (c *Cache[V]) Set(key string, value V) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)})
	c.items[key] = elem
	c.trim()
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) trim() {
	for len(c.items) > c.maxEntries {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		e := elem.Value.(*entry[V])
		delete(c.items, e.key)
		c.order.Remove(elem)
	}
}
