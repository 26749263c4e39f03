package memory

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rcliao/tiermem/internal/model"
)

type cacheKey struct {
	owner string
	key   string
	tier  model.Tier
}

// cacheItem is an immutable cached entry plus its access counters. A hit only
// bumps the counters, so it never writes an entry back into the cache.
type cacheItem struct {
	entry      model.Entry
	hits       atomic.Int64
	lastAccess atomic.Int64 // unix nanoseconds, 0 until the first hit
}

func (it *cacheItem) snapshot() model.Entry {
	e := it.entry
	e.AccessCount += it.hits.Load()
	if ns := it.lastAccess.Load(); ns != 0 {
		e.LastAccessedAt = time.Unix(0, ns).UTC()
	}
	return e
}

// cache is the bounded LRU index over entries of one manager. Evicting an
// entry never touches its backing copy.
type cache struct {
	lru    *lru.Cache[cacheKey, *cacheItem]
	size   int
	hits   atomic.Int64
	misses atomic.Int64
}

func newCache(size int) (*cache, error) {
	l, err := lru.New[cacheKey, *cacheItem](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &cache{lru: l, size: size}, nil
}

// get returns a cached entry, marking it most recently used and counting the access.
func (c *cache) get(k cacheKey) (model.Entry, bool) {
	it, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		metricCacheMisses.Inc()
		return model.Entry{}, false
	}
	c.hits.Add(1)
	metricCacheHits.Inc()
	it.hits.Add(1)
	it.lastAccess.Store(time.Now().UnixNano())
	return it.snapshot(), true
}

// peek returns a cached entry without changing its recency.
func (c *cache) peek(k cacheKey) (model.Entry, bool) {
	it, ok := c.lru.Peek(k)
	if !ok {
		return model.Entry{}, false
	}
	return it.snapshot(), true
}

func (c *cache) add(k cacheKey, e model.Entry) {
	c.lru.Add(k, &cacheItem{entry: e})
}

func (c *cache) remove(k cacheKey) {
	c.lru.Remove(k)
}

func (c *cache) contains(k cacheKey) bool {
	return c.lru.Contains(k)
}

func (c *cache) purge() {
	c.lru.Purge()
}

func (c *cache) len() int {
	return c.lru.Len()
}
