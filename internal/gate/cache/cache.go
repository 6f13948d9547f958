// Package cache holds recently approved secret values so repeated gated
// reads inside the TTL window do not re-prompt the operator.
//
// The cache is process-local, unbounded (the gated working set is
// human-paced and small), and lost on restart. Entries are evicted lazily
// on lookup. A TTL of zero or less disables the cache entirely.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache maps secret references to previously approved values.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// New creates a Cache with the given TTL. ttl <= 0 disables the cache:
// lookups always miss and stores are dropped.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Enabled reports whether the cache accepts reads and writes.
func (c *Cache) Enabled() bool {
	return c.ttl > 0
}

// Lookup returns the cached value for ref, if present and unexpired.
// Expired entries are removed on the way out.
func (c *Cache) Lookup(ref string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	if !ok {
		return "", false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, ref)
		return "", false
	}
	return e.value, true
}

// Store records value for ref, expiring after the configured TTL.
// No-op when the cache is disabled.
func (c *Cache) Store(ref, value string) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Len returns the number of unexpired entries, evicting expired ones as a
// side effect. Used by the status endpoint.
func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for ref, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, ref)
		}
	}
	return len(c.entries)
}
