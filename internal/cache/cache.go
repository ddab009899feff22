// Package cache provides the read-through TTL cache that absorbs status
// polling in front of the catalog. It is never the source of truth: the
// state machine invalidates affected keys after every commit, and entries
// otherwise age out after their TTL.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SummaryKey caches the eligible-count summary.
const SummaryKey = "summary"

// RecordKey derives the cache key for a record.
func RecordKey(recordID string) string {
	return "record:" + recordID
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats reports cache counters.
type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// Cache is a bounded in-memory TTL map safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
	generation uint64
	now        func() time.Time
	group      singleflight.Group
	hits       atomic.Uint64
	misses     atomic.Uint64
}

// New returns a cache with a default ttl. maxEntries <= 0 means unbounded.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns a live entry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key. A ttl <= 0 uses the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

func (c *Cache) setLocked(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if ttl <= 0 {
		return
	}
	now := c.now()
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

// evictLocked drops expired entries, then the entry closest to expiry if
// the map is still full.
func (c *Cache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = key, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate removes keys.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for _, key := range keys {
		delete(c.entries, key)
	}
}

// InvalidateRecord removes a record entry and every "record:<id>:..." entry
// derived from it.
func (c *Cache) InvalidateRecord(recordID string) {
	prefix := RecordKey(recordID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for key := range c.entries {
		if key == prefix || strings.HasPrefix(key, prefix+":") {
			delete(c.entries, key)
		}
	}
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return Stats{Entries: entries, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers and caches the result. A load that overlaps an
// invalidation is returned but not stored.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.setLocked(key, value, ttl)
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := v.(T)
	return typed, nil
}
