package resolver

import (
	"net/netip"
	"sync"
	"time"
)

// DefaultCacheMaxEntries bounds the cache when no size is configured.
const DefaultCacheMaxEntries = 10000

// cacheEntry is a resolved host. found is false for a cached negative answer.
type cacheEntry struct {
	found     bool
	ipv4      netip.Addr
	ipv6      netip.Addr
	ttl       uint32
	expiresAt time.Time
}

// hostCache is a read-through cache keyed by subdomain label. Entries live
// for a short fixed TTL so other replicas' updates become visible quickly.
//
// The cache never holds more than maxEntries. When it is full of live
// entries new keys are simply not cached, so a flood of random labels costs
// store reads but no memory.
type hostCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	// epoch advances on every invalidation. A fill that started before an
	// invalidation may have read pre-update state and is discarded.
	epoch     uint64
	nextSweep time.Time
}

func newHostCache(ttl time.Duration, maxEntries int) *hostCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &hostCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *hostCache) get(key string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return cacheEntry{}, false
	}
	return e, true
}

// begin returns the token a subsequent set must present. Call it before
// reading the store.
func (c *hostCache) begin() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// set stores e unless an invalidation happened since begin returned epoch or
// the cache is full. It reports whether the entry was stored.
func (c *hostCache) set(key string, e cacheEntry, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}

	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		// Sweep at most once per TTL so a full cache under load does not scan
		// the map on every miss.
		if now.Before(c.nextSweep) {
			return false
		}
		c.evictLocked(now)
		c.nextSweep = now.Add(c.ttl)
		if len(c.entries) >= c.maxEntries {
			return false
		}
	}

	e.expiresAt = now.Add(c.ttl)
	c.entries[key] = e
	return true
}

func (c *hostCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	delete(c.entries, key)
}

// evict removes expired entries and returns how many were dropped.
func (c *hostCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.now())
}

func (c *hostCache) evictLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *hostCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
