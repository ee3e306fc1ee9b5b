package artifact

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries bounds the number of cached artifacts.
const DefaultCacheEntries = 256

// Forgetter is implemented by sources that keep retrieved bytes around.
type Forgetter interface {
	Forget(location string)
}

// Cache memoizes successful retrievals by location. The cache does not know
// what the bytes should hash to: callers verify every result and Forget a
// location whose bytes fail verification.
type Cache struct {
	next  Source
	cache *lru.Cache[string, []byte]
}

// NewCache wraps next with an LRU of the given size.
func NewCache(next Source, entries int) (*Cache, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	c, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &Cache{next: next, cache: c}, nil
}

// Fetch returns cached bytes or retrieves and caches them.
func (c *Cache) Fetch(ctx context.Context, location string) ([]byte, error) {
	if data, ok := c.cache.Get(location); ok {
		return data, nil
	}
	data, err := c.next.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	c.cache.Add(location, data)
	return data, nil
}

// Forget drops a location from the cache.
func (c *Cache) Forget(location string) {
	c.cache.Remove(location)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.cache.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.cache.Purge()
}
