// Package cache provides the bounded identity caches that sit in front of
// the graph store: natural key -> node identity, one instance per entity
// kind.
//
// The cache is a lossy accelerator, never the source of truth. A miss says
// nothing about whether the entity exists; the store's unique index is
// authoritative. Entries are inserted only after a confirmed resolution, so
// a hit can be trusted without re-checking the store.
package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orneryd/visitgraph/pkg/storage"
)

// IdentityCache is a bounded, thread-safe natural-key -> NodeID memo with
// LRU eviction. Safe for concurrent use without external locking.
type IdentityCache struct {
	entries *lru.Cache[string, storage.NodeID]
	hits    atomic.Int64
	misses  atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Len    int   `json:"len"`
}

// NewIdentityCache creates a cache bounded to maxEntries.
func NewIdentityCache(maxEntries int) (*IdentityCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("identity cache: max entries must be positive, got %d", maxEntries)
	}
	entries, err := lru.New[string, storage.NodeID](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	return &IdentityCache{entries: entries}, nil
}

// Lookup returns the cached identity for the key, if present.
func (c *IdentityCache) Lookup(key string) (storage.NodeID, bool) {
	id, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return id, ok
}

// Insert memoizes a resolved key -> identity pair, possibly evicting the
// least recently used entry.
func (c *IdentityCache) Insert(key string, id storage.NodeID) {
	c.entries.Add(key, id)
}

// Purge drops every entry. Results served afterwards are unchanged, only
// slower, since the cache is non-authoritative.
func (c *IdentityCache) Purge() {
	c.entries.Purge()
}

// Len returns the current number of entries.
func (c *IdentityCache) Len() int {
	return c.entries.Len()
}

// Stats returns hit/miss counters and the current size.
func (c *IdentityCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Len:    c.entries.Len(),
	}
}
