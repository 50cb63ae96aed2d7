package fetch

import (
	"strings"
	"sync"
	"time"

	"quantumdesk/internal/market"
)

// Cache maps (venue, endpoint, instrument set) to the last fetched batch. Entries are
// only ever checked for expiry when read; nothing sweeps them in the background.
type Cache struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]cacheEntry
}

type cacheEntry struct {
	payloads  []market.RawPayload
	fetchedAt time.Time
}

// NewCache builds a cache; ttl <= 0 disables caching.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, m: make(map[string]cacheEntry)}
}

// CacheKey builds the lookup key for a request.
func CacheKey(venue market.Venue, endpoint string, instruments []string) string {
	return string(venue) + "|" + endpoint + "|" + strings.Join(instruments, ",")
}

// Get returns the cached batch if it was fetched less than ttl before now.
func (c *Cache) Get(key string, now time.Time) ([]market.RawPayload, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok || now.Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return append([]market.RawPayload(nil), e.payloads...), true
}

// Set stores a batch fetched at fetchedAt.
func (c *Cache) Set(key string, payloads []market.RawPayload, fetchedAt time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cacheEntry{payloads: append([]market.RawPayload(nil), payloads...), fetchedAt: fetchedAt}
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
