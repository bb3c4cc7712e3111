package store

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is the cached form of a relation row: the commit timestamp it
// was written at, and its codomain bytes (nil + tombstone for a deletion).
type cacheEntry struct {
	ts        uint64
	value     []byte
	tombstone bool
}

// Cache is a process-wide, per-relation read-through cache fronting a
// Provider. The store spec calls for a copy-on-write map "forked at the
// beginning of each transaction (cheap, due to shared persistent structure)"
// — the corpus has no persistent/immutable map library, so this is modeled
// instead as one shared bounded LRU guarded by a mutex. Forking the LRU
// outright on every transaction begin would mean copying the whole bounded
// map per txn, which is not "cheap" the way a persistent structure's fork
// is — so reads simply go through the shared cache, and staleness is caught
// at commit by comparing each touched key's observed ts with its current
// one (see Txn.Commit). The cache also keeps a version counter, bumped on
// every Put and Invalidate; the commit path does not consult it. See
// DESIGN.md.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, cacheEntry]
	version atomic.Uint64
}

// NewCache builds a bounded per-relation cache. size is the max number of
// rows kept resident; a miss falls through to the Provider.
func NewCache(size int) *Cache {
	l, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// Only returns an error for size <= 0; callers pass a fixed constant.
		panic(err)
	}
	return &Cache{entries: l}
}

// Version returns the current invalidation counter, for a transaction to
// snapshot at begin.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// Get returns the cached entry for key, if resident.
func (c *Cache) Get(key string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Get(key)
}

// Put installs an entry at commit time and bumps the version counter.
func (c *Cache) Put(key string, entry cacheEntry) {
	c.mu.Lock()
	c.entries.Add(key, entry)
	c.mu.Unlock()
	c.version.Add(1)
}

// Invalidate drops a key without installing a replacement (used when a
// background compaction or bulk-load bypasses the normal commit path).
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.entries.Remove(key)
	c.mu.Unlock()
	c.version.Add(1)
}
