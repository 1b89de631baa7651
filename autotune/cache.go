package autotune

import "sync"

// Cache maps problem signatures to the selected candidate. Entries are never evicted: the cache grows
// monotonically for the lifetime of the process, one entry per distinct signature seen.
//
// It is safe for concurrent use; concurrent Put for the same signature is last-writer-wins.
type Cache[S comparable, C any] struct {
	mu      sync.RWMutex
	entries map[S]C
}

// NewCache creates an empty Cache.
func NewCache[S comparable, C any]() *Cache[S, C] {
	return &Cache[S, C]{entries: make(map[S]C)}
}

// Get returns the candidate cached for the signature, if any.
func (c *Cache[S, C]) Get(sig S) (candidate C, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	candidate, found = c.entries[sig]
	return
}

// Put caches candidate for the signature, replacing any previous entry. It returns whether the signature
// is new to the cache.
func (c *Cache[S, C]) Put(sig S, candidate C) (added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.entries[sig]
	c.entries[sig] = candidate
	return !found
}

// Len returns the number of cached signatures.
func (c *Cache[S, C]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached signatures, in no particular order.
func (c *Cache[S, C]) Keys() []S {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]S, 0, len(c.entries))
	for sig := range c.entries {
		keys = append(keys, sig)
	}
	return keys
}
