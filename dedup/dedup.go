// Package dedup remembers which sample contents an archive writer has already stored.
//
// Samples are identified by a Key:
// a 128-bit digest of their serialized bytes plus their length.
// Two samples with the same Key are treated as identical,
// so the second becomes a link to the first sample's data block.
package dedup

import (
	"sync"

	"github.com/bobg/geocache"
)

// Key identifies sample content.
type Key struct {
	Digest geocache.Digest
	Length uint64
}

// KeyOf computes the Key of the concatenation of spans, using h.
func KeyOf(h geocache.Hasher, spans ...[]byte) Key {
	var n uint64
	for _, s := range spans {
		n += uint64(len(s))
	}
	return Key{Digest: h.Digest(spans...), Length: n}
}

// Cache maps Keys to the data blocks that hold them.
// It lives for the duration of one archive writer.
// The zero Cache is ready to use.
type Cache struct {
	mu sync.Mutex
	m  map[Key]geocache.Handle
}

// New produces a new, empty Cache.
func New() *Cache {
	return &Cache{m: make(map[Key]geocache.Handle)}
}

// Find returns the data block previously stored for k, if any.
func (c *Cache) Find(k Key) (geocache.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.m[k]
	return h, ok
}

// Store records that k's content lives in data block h.
// An existing entry for k is kept.
func (c *Cache) Store(k Key, h geocache.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[Key]geocache.Handle)
	}
	if _, ok := c.m[k]; !ok {
		c.m[k] = h
	}
}

// Len is the number of distinct Keys in c.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
