// Package cache provides a small read-through cache for reference data that
// changes rarely, such as workflow definitions and the condition catalog.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches the value for key on a miss.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	value       V
	lastRefresh time.Time
}

// TTL caches values for a fixed duration. Concurrent misses for the same key
// share a single load. A zero ttl disables caching.
type TTL[V any] struct {
	ttl  time.Duration
	load LoadFunc[V]
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
}

func NewTTL[V any](ttl time.Duration, load LoadFunc[V]) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		load:    load,
		now:     time.Now,
		entries: make(map[string]entry[V]),
	}
}

// WithClock replaces the clock, for tests.
func (c *TTL[V]) WithClock(now func() time.Time) *TTL[V] {
	c.now = now
	return c
}

func (c *TTL[V]) Get(ctx context.Context, key string) (V, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Sub(e.lastRefresh) < c.ttl {
			return e.value, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := c.load(ctx, key)
		if err != nil {
			return value, err
		}
		if c.ttl > 0 {
			c.mu.Lock()
			c.entries[key] = entry[V]{value: value, lastRefresh: c.now()}
			c.mu.Unlock()
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// LastRefresh reports when key was last loaded.
func (c *TTL[V]) LastRefresh(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e.lastRefresh, ok
}

// Invalidate drops key, or every entry when no key is given.
func (c *TTL[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.entries = make(map[string]entry[V])
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
}
