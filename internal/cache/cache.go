// Package cache holds reconstructed document text keyed by edit id.
//
// A Cache is owned by one history engine. Entries are immutable values: an
// edit id always reconstructs to the same text, so a cached value never goes
// stale, it can only be evicted.
package cache

import (
	"errors"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of reconstructions kept when no size is given.
const DefaultSize = 256

// ErrInvalidSize is returned for a non-positive capacity.
var ErrInvalidSize = errors.New("cache: size must be positive")

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Len       int    `json:"len"`
	Size      int    `json:"size"`
}

// Cache is a bounded LRU of reconstructed text. It is safe for concurrent use.
type Cache struct {
	lru  *lru.Cache[int64, string]
	size int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most size reconstructions.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	l, err := lru.New[int64, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, size: size}, nil
}

// Get returns the cached text for editID.
func (c *Cache) Get(editID int64) (string, bool) {
	text, ok := c.lru.Get(editID)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return text, ok
}

// Peek returns the cached text without counting a hit or refreshing recency.
func (c *Cache) Peek(editID int64) (string, bool) {
	return c.lru.Peek(editID)
}

// Add stores text for editID, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Add(editID int64, text string) {
	if c.lru.Add(editID, text) {
		c.evictions.Add(1)
	}
}

// Remove drops editID. Explicit removals are not counted as evictions.
func (c *Cache) Remove(editID int64) bool {
	return c.lru.Remove(editID)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached reconstructions.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.lru.Len(),
		Size:      c.size,
	}
}
