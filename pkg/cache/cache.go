// Package cache provides a thread-safe generic TTL cache. Entries expire
// when not refreshed within the configured TTL; a background sweeper and
// expire-on-read keep the cache current. The stream registry uses it to
// forget streams that stop announcing themselves.
package cache

import (
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// EvictCallback is called with each entry removed by expiry.
type EvictCallback[V any] func(key string, value V)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Stats are cumulative counters for one cache.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// TTL is a time-to-live cache. Set refreshes an entry's deadline; entries
// past their deadline are treated as absent and eventually swept.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]entry[V]
	evictFn EvictCallback[V]
	stats   Stats
	now     func() time.Time

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithEvictCallback sets a callback invoked for expired entries.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.evictFn = fn }
}

// WithClock overrides the time source, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTTL creates a TTL cache and starts its background sweeper. A
// non-positive cleanupInterval defaults to half the TTL. Close releases the
// sweeper.
func NewTTL[V any](ttl, cleanupInterval time.Duration, options ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 2
	}

	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]entry[V]),
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	go c.sweepLoop(cleanupInterval)
	return c, nil
}

// Set stores or refreshes a value. Returns true if the key was new.
func (c *TTL[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.items[key]
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	return !existed
}

// Get retrieves a live value. Expired entries are removed on access.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		c.miss()
		var zero V
		return zero, false
	}
	if now.After(e.expiresAt) {
		c.mu.Lock()
		if current, still := c.items[key]; still && now.After(current.expiresAt) {
			c.evictLocked(key, current)
		}
		c.mu.Unlock()
		c.miss()
		var zero V
		return zero, false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	return e.value, true
}

// Delete removes an entry without invoking the evict callback. Returns
// whether the key existed.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.items[key]
	delete(c.items, key)
	return existed
}

// Keys returns the keys of all live entries.
func (c *TTL[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	keys := make([]string, 0, len(c.items))
	for key, e := range c.items {
		if !now.After(e.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Values returns all live values.
func (c *TTL[V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	values := make([]V, 0, len(c.items))
	for _, e := range c.items {
		if !now.After(e.expiresAt) {
			values = append(values, e.value)
		}
	}
	return values
}

// Len returns the number of live entries.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.items {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep removes all expired entries now and returns how many were evicted.
func (c *TTL[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			c.evictLocked(key, e)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *TTL[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close stops the background sweeper. The cache remains usable. Idempotent.
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() { close(c.shutdown) })
	<-c.done
}

func (c *TTL[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// evictLocked must be called with the write lock held.
func (c *TTL[V]) evictLocked(key string, e entry[V]) {
	delete(c.items, key)
	c.stats.Evictions++
	if c.evictFn != nil {
		// Callback runs outside the lock to avoid re-entrancy deadlocks.
		go c.evictFn(key, e.value)
	}
}

func (c *TTL[V]) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}
