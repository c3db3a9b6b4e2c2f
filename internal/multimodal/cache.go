package multimodal

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"fabricd/internal/backend"
)

type cacheKey struct {
	tag  uint64
	hash uint64
	size int
}

// Cache is a small LRU of image embeddings keyed by image content and a
// caller-supplied tag (the model generation), safe for concurrent use.
type Cache struct {
	lru *lru.Cache[cacheKey, backend.Embedding]

	hits, misses atomic.Uint64
}

// NewCache returns a cache holding up to capacity embeddings. A capacity of
// zero or less disables caching.
func NewCache(capacity int) *Cache {
	c := &Cache{}
	if capacity > 0 {
		// New only fails for a non-positive size
		c.lru, _ = lru.New[cacheKey, backend.Embedding](capacity)
	}
	return c
}

func keyFor(tag uint64, data []byte) cacheKey {
	return cacheKey{tag: tag, hash: xxhash.Sum64(data), size: len(data)}
}

func (c *Cache) get(k cacheKey) (backend.Embedding, bool) {
	if c == nil || c.lru == nil {
		return backend.Embedding{}, false
	}
	emb, ok := c.lru.Get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return emb, ok
}

func (c *Cache) put(k cacheKey, emb backend.Embedding) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(k, emb)
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}
