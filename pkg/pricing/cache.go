package pricing

import (
	"sync"
	"time"
)

// PriceCache caches resolved quotes (and catalog misses) per query key.
// Expired entries are kept until StaleRetention passes so a failed refresh
// can still serve the last known value.
type PriceCache struct {
	data           map[string]*cacheEntry
	staleRetention time.Duration
	mutex          sync.RWMutex
}

type cacheEntry struct {
	quote     Quote
	err       error // non-nil for negative entries
	expiresAt time.Time
}

func NewPriceCache(staleRetention time.Duration) *PriceCache {
	return &PriceCache{
		data:           make(map[string]*cacheEntry),
		staleRetention: staleRetention,
	}
}

// Get returns the entry for key and whether it is still within its TTL.
func (c *PriceCache) Get(key string, now time.Time) (*cacheEntry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.data[key]
	if !exists {
		return nil, false
	}
	return entry, now.Before(entry.expiresAt)
}

// Set stores a quote valid for ttl and prunes entries expired for longer
// than the stale retention.
func (c *PriceCache) Set(key string, quote Quote, now time.Time, ttl time.Duration) {
	c.put(key, &cacheEntry{quote: quote, expiresAt: now.Add(ttl)}, now)
}

// SetMiss records a catalog miss for ttl.
func (c *PriceCache) SetMiss(key string, err error, now time.Time, ttl time.Duration) {
	c.put(key, &cacheEntry{err: err, expiresAt: now.Add(ttl)}, now)
}

func (c *PriceCache) put(key string, entry *cacheEntry, now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = entry
	if c.staleRetention <= 0 {
		return
	}
	cutoff := now.Add(-c.staleRetention)
	for k, e := range c.data {
		if e.expiresAt.Before(cutoff) {
			delete(c.data, k)
		}
	}
}

func (c *PriceCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

func (c *PriceCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]*cacheEntry)
}
