// Package cache provides the per-key TTL cache that fronts checkout for
// read-mostly callers. It never takes a lock on the record; entries are
// bounded in staleness only by their TTL and by explicit Remove calls from
// writers.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Clock supplies the time entries are checked against.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Options configures a Cache.
type Options struct {
	// Capacity bounds the number of entries; zero means unbounded.
	Capacity uint64
	// Clock overrides the time source. Nil uses the wall clock.
	Clock Clock
}

// Cache maps keys to values with an absolute expiry per entry.
type Cache[K comparable, V any] struct {
	items *ttlcache.Cache[K, entry[V]]
	clock Clock

	hits   atomic.Uint64
	misses atomic.Uint64

	closeOnce sync.Once
}

// New builds a cache and starts its background expiry loop. Call Close to
// stop it.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttlOpts := []ttlcache.Option[K, entry[V]]{
		ttlcache.WithDisableTouchOnHit[K, entry[V]](),
	}
	if opts.Capacity > 0 {
		ttlOpts = append(ttlOpts, ttlcache.WithCapacity[K, entry[V]](opts.Capacity))
	}
	c := &Cache[K, V]{
		items: ttlcache.New(ttlOpts...),
		clock: opts.Clock,
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
	go c.items.Start()
	return c
}

// TryGet returns the cached value if present and not yet expired.
func (c *Cache[K, V]) TryGet(key K) (V, bool) {
	var zero V
	item := c.items.Get(key)
	if item == nil {
		c.misses.Add(1)
		return zero, false
	}
	e := item.Value()
	if !c.clock.Now().Before(e.expiresAt) {
		c.items.Delete(key)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value for key, replacing any existing entry. The entry expires
// ttl after the cache clock's current time. A non-positive ttl removes the key.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		c.Remove(key)
		return
	}
	c.items.Set(key, entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}, ttl)
}

// Remove drops key unconditionally.
func (c *Cache[K, V]) Remove(key K) {
	c.items.Delete(key)
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	return c.items.Len()
}

// Stats reports lifetime hit and miss counts.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Close stops the expiry loop and drops all entries.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() {
		c.items.Stop()
		c.items.DeleteAll()
	})
}
