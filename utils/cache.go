package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

type cacheEntry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache is a bounded map whose entries remember when they were written.
// All access goes through a single mutex.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	store *simplelru.LRU
	now   func() time.Time
}

// NewCache creates a cache holding at most size entries
func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	store, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Cache[K, V]{store: store, now: time.Now}, nil
}

// GetIfFresh returns the value for key if it was written less than ttl ago.
// Stale entries are dropped.
func (c *Cache[K, V]) GetIfFresh(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	raw, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	entry := raw.(cacheEntry[V])
	if c.now().Sub(entry.insertedAt) >= ttl {
		c.store.Remove(key)
		return zero, false
	}
	return entry.value, true
}

// Get returns the value for key regardless of age
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	raw, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	return raw.(cacheEntry[V]).value, true
}

// Upsert writes value under key and resets its age
func (c *Cache[K, V]) Upsert(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, cacheEntry[V]{value: value, insertedAt: c.now()})
}

// Remove deletes key
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Remove(key)
}

// Len returns the number of entries, fresh or not
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
