// Package cache memoizes in-flight and recently resolved reads so that
// concurrent callers for the same resource share one request.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/clock"
)

// DefaultTTL is how long a settled entry stays cached.
const DefaultTTL = 3 * time.Second

// Well-known keys. Subscription detail is keyed by subscription id.
const (
	KeySensors = "sensors"
	KeyLocks   = "locks"
)

// FetchFunc loads the value for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	done  chan struct{}
	value T
	err   error
	timer clock.Timer
}

// Cache maps keys to pending-or-resolved results. Entries are evicted TTL
// after they settle, whether the fetch succeeded or failed.
type Cache[T any] struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*entry[T]
}

// New creates a cache with the given TTL.
func New[T any](clk clock.Clock, ttl time.Duration) *Cache[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[T]{clock: clk, ttl: ttl, entries: make(map[string]*entry[T])}
}

// Get returns the cached result for key, joining an in-flight fetch when one
// exists. When force is true a new fetch replaces the current entry. The
// shared fetch is not cancelled by ctx; ctx only bounds this caller's wait.
func (c *Cache[T]) Get(ctx context.Context, key string, force bool, fetch FetchFunc[T]) (T, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || force {
		if ok && e.timer != nil {
			e.timer.Stop()
		}
		e = &entry[T]{done: make(chan struct{})}
		c.entries[key] = e
		go c.run(context.WithoutCancel(ctx), key, e, fetch)
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Cache[T]) run(ctx context.Context, key string, e *entry[T], fetch FetchFunc[T]) {
	value, err := fetch(ctx)

	c.mu.Lock()
	e.value, e.err = value, err
	close(e.done)
	// A forced fetch may have replaced this entry in the meantime.
	if c.entries[key] == e {
		e.timer = c.clock.AfterFunc(c.ttl, func() { c.evict(key, e) })
	}
	c.mu.Unlock()
}

func (c *Cache[T]) evict(key string, e *entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

// Invalidate drops the entry for key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, key)
	}
}

// Clear drops every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.entries, key)
	}
}

// Len returns the number of cached or in-flight entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
