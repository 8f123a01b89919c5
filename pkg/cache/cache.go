// Package cache provides a generic in-memory cache with per-entry TTL.
// Expired entries are evicted lazily on read and by an optional background
// janitor, with an eviction callback for owners that need to observe
// removals.
package cache

import (
	"sync"
	"time"
)

// EvictCallback is invoked after an entry is removed by expiry. It runs
// outside the cache lock.
type EvictCallback[V any] func(key string, value V)

// entry holds one value. A zero expiresAt means the entry never expires.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a thread-safe string-keyed cache with per-entry TTL.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
	stats Statistics

	defaultTTL      time.Duration
	cleanupInterval time.Duration
	evictFn         EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithDefaultTTL sets the TTL applied by Set. Zero means entries set
// without an explicit TTL never expire.
func WithDefaultTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.defaultTTL = ttl
	}
}

// WithCleanupInterval enables the background janitor that sweeps expired
// entries. Without it expiry is purely lazy.
func WithCleanupInterval[V any](interval time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.cleanupInterval = interval
	}
}

// WithEvictCallback registers a callback for expiry evictions.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *Cache[V]) {
		c.evictFn = fn
	}
}

// New creates a cache and starts the janitor when a cleanup interval is
// configured. Close stops the janitor.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		items:    make(map[string]*entry[V]),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval > 0 {
		go c.janitor()
	} else {
		close(c.done)
	}
	return c
}

// Set stores a value under the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with its own TTL. A non-positive TTL means
// the entry never expires.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	e := &entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = e
	c.stats.size.Store(int64(len(c.items)))
	c.mu.Unlock()
}

// Get returns the live value for key. An expired entry is evicted and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		c.stats.misses.Add(1)
		var zero V
		return zero, false
	}

	if e.expired(now) {
		c.evictExpired(key, now)
		c.stats.misses.Add(1)
		var zero V
		return zero, false
	}

	c.stats.hits.Add(1)
	return e.value, true
}

// evictExpired removes key if it is still present and still expired.
func (c *Cache[V]) evictExpired(key string, now time.Time) {
	c.mu.Lock()
	e, ok := c.items[key]
	if !ok || !e.expired(now) {
		c.mu.Unlock()
		return
	}
	delete(c.items, key)
	c.stats.evictions.Add(1)
	c.stats.size.Store(int64(len(c.items)))
	fn := c.evictFn
	c.mu.Unlock()

	if fn != nil {
		fn(key, e.value)
	}
}

// Delete removes an entry. Returns whether it was present and live.
func (c *Cache[V]) Delete(key string) bool {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
		c.stats.size.Store(int64(len(c.items)))
	}
	c.mu.Unlock()

	return ok && !e.expired(now)
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns the keys of all live entries.
func (c *Cache[V]) Keys() []string {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clear removes every entry without invoking eviction callbacks.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.stats.size.Store(0)
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Snapshot {
	return c.stats.snapshot()
}

// Close stops the janitor. The cache remains usable; expiry becomes
// purely lazy.
func (c *Cache[V]) Close() {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	<-c.done
}

func (c *Cache[V]) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep removes all expired entries in one pass.
func (c *Cache[V]) sweep(now time.Time) {
	type evicted struct {
		key   string
		value V
	}

	c.mu.Lock()
	var removed []evicted
	for k, e := range c.items {
		if e.expired(now) {
			delete(c.items, k)
			c.stats.evictions.Add(1)
			if c.evictFn != nil {
				removed = append(removed, evicted{key: k, value: e.value})
			}
		}
	}
	c.stats.size.Store(int64(len(c.items)))
	fn := c.evictFn
	c.mu.Unlock()

	if fn != nil {
		for _, ev := range removed {
			fn(ev.key, ev.value)
		}
	}
}
