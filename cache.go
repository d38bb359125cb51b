package fallback

import (
	"context"
	"path"
	"sync"
	"time"
)

// CacheEntry is a cached value and its expiry.
type CacheEntry struct {
	ExpiresAt time.Time
	Value     any
	Key       string
}

// TTLCache is an in-memory key/value store with per-entry expiry. An entry
// is visible only while now < ExpiresAt; expired entries behave exactly like
// misses and are removed when read. Absent keys are never cached.
//
// TTLCache is safe for concurrent use.
type TTLCache struct {
	entries map[string]CacheEntry
	now     func() time.Time
	mu      sync.Mutex
}

// NewTTLCache creates an empty cache.
func NewTTLCache(opts ...CacheOption) *TTLCache {
	config := &CacheConfig{Now: time.Now}
	for _, opt := range opts {
		opt(config)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TTLCache{
		entries: make(map[string]CacheEntry),
		now:     config.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	entry, ok := c.Entry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Entry returns the full entry for key if present and unexpired.
func (c *TTLCache) Entry(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	return entry, true
}

// Set stores value under key for ttl. A non-positive ttl removes the key.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: c.now().Add(ttl),
	}
}

// Invalidate removes key.
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePattern removes every key matching the glob pattern (path.Match
// syntax, e.g. "products:*") and returns how many were removed.
func (c *TTLCache) InvalidatePattern(pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Purge removes expired entries and returns how many were removed.
func (c *TTLCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of unexpired entries.
func (c *TTLCache) Len() int {
	c.Purge()

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartJanitor purges expired entries every interval until ctx is done.
func (c *TTLCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
}
