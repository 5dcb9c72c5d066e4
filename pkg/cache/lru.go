// Package cache provides a small generic read-through cache used to memoize
// expensive, pure lookups such as topic override resolution.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Fetcher loads the value for a key from its source of truth. It is the
// fallback an LRU consults on a miss.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Fetch calls f.
func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a thread-safe, fixed-size read-through cache with
// least-recently-used eviction. A hit refreshes the entry's recency; a miss
// fetches from the fallback, stores the result and evicts the coldest entry
// once the cache is over capacity.
type LRU[K comparable, V any] struct {
	maxSize  int
	fallback Fetcher[K, V]

	mu      sync.Mutex
	recency *list.List
	entries map[K]*list.Element
}

// NewLRU creates a cache holding at most maxSize entries. The fallback is
// required: an LRU without a source of truth cannot answer misses.
func NewLRU[K comparable, V any](maxSize int, fallback Fetcher[K, V]) (*LRU[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback fetcher cannot be nil")
	}
	return &LRU[K, V]{
		maxSize:  maxSize,
		fallback: fallback,
		recency:  list.New(),
		entries:  make(map[K]*list.Element),
	}, nil
}

// Fetch returns the cached value for key, consulting the fallback on a miss.
func (c *LRU[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.recency.MoveToFront(elem)
		c.mu.Unlock()
		return elem.Value.(*lruEntry[K, V]).value, nil
	}
	c.mu.Unlock()

	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have raced us to the same key while the fallback
	// was running; keep its entry.
	if elem, ok := c.entries[key]; ok {
		c.recency.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, nil
	}

	c.entries[key] = c.recency.PushFront(&lruEntry[K, V]{key: key, value: value})
	if c.recency.Len() > c.maxSize {
		coldest := c.recency.Back()
		evicted := c.recency.Remove(coldest).(*lruEntry[K, V])
		delete(c.entries, evicted.key)
	}
	return value, nil
}

// Len reports the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}
