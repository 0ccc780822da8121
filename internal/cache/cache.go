// Package cache provides the shared price/balance cache (C4): an
// in-process TTL map, optionally mirrored to Redis so a second engine
// process (or a restart) can warm-start from the last known prices.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// entry is the cache's internal {value, insertedAt} pair.
type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Mirror is an external key/value store the cache writes through to.
// A nil Mirror disables mirroring entirely (the default, in-process
// only mode).
type Mirror interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Cache is a concurrent map with per-entry TTL, matching spec's
// "served only if now - insertedAt <= maxAge" rule.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]entry
	mirror Mirror
}

// New creates an empty Cache. mirror may be nil.
func New(mirror Mirror) *Cache {
	return &Cache{
		data:   make(map[string]entry),
		mirror: mirror,
	}
}

// Set stores value under key, stamped with the current time, and
// writes through to the mirror (best-effort: mirror errors are
// swallowed since the in-process map remains authoritative for this
// process).
func (c *Cache) Set(ctx context.Context, key string, value interface{}, mirrorTTL time.Duration) {
	c.mu.Lock()
	c.data[key] = entry{value: value, insertedAt: time.Now()}
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = c.mirror.Set(ctx, key, raw, mirrorTTL)
}

// Get returns the value stored under key if present and no older
// than maxAge. A miss or stale entry reports ok=false.
func (c *Cache) Get(key string, maxAge time.Duration) (interface{}, bool) {
	c.mu.RLock()
	e, found := c.data[key]
	c.mu.RUnlock()

	if !found {
		return nil, false
	}
	if time.Since(e.insertedAt) > maxAge {
		return nil, false
	}
	return e.value, true
}

// GetOrMirror behaves like Get, but on a local miss falls through to
// the mirror and, if found there, decodes into out and repopulates
// the local map. Returns ok=false if neither has a fresh value.
func (c *Cache) GetOrMirror(ctx context.Context, key string, maxAge time.Duration, out interface{}) bool {
	if v, ok := c.Get(key, maxAge); ok {
		raw, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(raw, out)
			return true
		}
	}

	if c.mirror == nil {
		return false
	}
	raw, err := c.mirror.Get(ctx, key)
	if err != nil || len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false
	}

	c.mu.Lock()
	c.data[key] = entry{value: out, insertedAt: time.Now()}
	c.mu.Unlock()
	return true
}

// Delete removes key from the local map. The mirror entry, if any,
// is left to expire on its own TTL.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// PriceKey and BalancesKey build the two cache key families spec
// names explicitly.
func PriceKey(symbol string) string { return "price:" + symbol }

const BalancesKey = "account:balances"
