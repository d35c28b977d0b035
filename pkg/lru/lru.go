// Package lru provides an in-memory least-recently-used cache bounded by both
// entry count and the total cost of its entries.
package lru

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultMaxEntries = 100
	DefaultMaxCost    = 50 * 1024 * 1024
)

// EvictFunc is called for every entry removed to make room for another.
// It is invoked after the cache lock has been released.
type EvictFunc[K comparable, V any] func(key K, value V, cost int64)

type entry[V any] struct {
	value V
	cost  int64
}

type eviction[K comparable, V any] struct {
	key K
	entry[V]
}

// Cache is safe for concurrent use. Every operation runs under one mutex, so
// no caller observes a partially applied Set.
type Cache[K comparable, V any] struct {
	mu         sync.Mutex
	items      *simplelru.LRU[K, entry[V]]
	maxEntries int
	maxCost    int64
	cost       int64

	// evicted collects entries dropped by the underlying LRU during the
	// current operation; only touched under mu.
	evicted  []eviction[K, V]
	clearing bool
	onEvict  EvictFunc[K, V]
}

// New creates a cache holding at most maxEntries entries whose costs sum to
// at most maxCost.
func New[K comparable, V any](maxEntries int, maxCost int64, onEvict EvictFunc[K, V]) (*Cache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	if maxCost <= 0 {
		return nil, fmt.Errorf("max cost must be positive, got %d", maxCost)
	}

	c := &Cache[K, V]{
		maxEntries: maxEntries,
		maxCost:    maxCost,
		onEvict:    onEvict,
	}
	items, err := simplelru.NewLRU[K, entry[V]](maxEntries, c.removed)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	c.items = items
	return c, nil
}

// removed is the simplelru callback. It keeps the running cost in step with
// the resident entries.
func (c *Cache[K, V]) removed(key K, e entry[V]) {
	c.cost -= e.cost
	if !c.clearing {
		c.evicted = append(c.evicted, eviction[K, V]{key: key, entry: e})
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Get(key)
	return e.value, ok
}

// Contains reports whether key is resident without updating its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Contains(key)
}

// Set stores value under key with the given cost, first evicting least
// recently used entries until both limits can be met. A value whose cost
// alone exceeds the cost limit is not stored and any previous value for key
// is dropped; Set then returns false.
func (c *Cache[K, V]) Set(key K, value V, cost int64) bool {
	if cost < 0 {
		cost = 0
	}

	c.mu.Lock()
	stored := c.set(key, value, cost)
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	c.notify(evicted)
	return stored
}

func (c *Cache[K, V]) set(key K, value V, cost int64) bool {
	if old, ok := c.items.Peek(key); ok {
		if cost > c.maxCost {
			c.clearing = true
			c.items.Remove(key)
			c.clearing = false
			return false
		}
		// Replace in place; the entry becomes most recently used and cannot
		// be chosen below while it fits on its own.
		c.items.Add(key, entry[V]{value: value, cost: cost})
		c.cost += cost - old.cost
		for c.cost > c.maxCost {
			c.items.RemoveOldest()
		}
		return true
	}

	if cost > c.maxCost {
		return false
	}
	for c.items.Len() >= c.maxEntries || c.cost+cost > c.maxCost {
		if _, _, ok := c.items.RemoveOldest(); !ok {
			break
		}
	}
	c.items.Add(key, entry[V]{value: value, cost: cost})
	c.cost += cost
	return true
}

// Clear empties the cache. Cleared entries are not reported as evictions.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearing = true
	c.items.Purge()
	c.clearing = false
	c.cost = 0
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Cost returns the summed cost of resident entries.
func (c *Cache[K, V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

// Limits returns the configured entry and cost limits.
func (c *Cache[K, V]) Limits() (maxEntries int, maxCost int64) {
	return c.maxEntries, c.maxCost
}

func (c *Cache[K, V]) notify(evicted []eviction[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value, e.cost)
	}
}
