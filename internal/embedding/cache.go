package embedding

import (
	"container/list"
	"sync"
)

// EmbeddingCache is a bounded LRU of successful embeddings, keyed by model and
// text. Failures are never stored, so a provider outage does not poison later
// lookups. A Get refreshes recency, which needs the write lock; a plain Mutex
// keeps that correct.
type EmbeddingCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	byKey map[string]*list.Element
}

type cached struct {
	key string
	vec []float32
}

// NewEmbeddingCache creates a cache holding at most max embeddings.
func NewEmbeddingCache(max int) *EmbeddingCache {
	if max <= 0 {
		max = 1
	}
	return &EmbeddingCache{
		max:   max,
		order: list.New(),
		byKey: make(map[string]*list.Element),
	}
}

// cacheKey scopes text to the model that embedded it. Two models embedding
// the same text must not share a vector.
func cacheKey(model, text string) string {
	return model + "\x00" + text
}

// Get returns the embedding for (model, text) and marks it recently used.
func (c *EmbeddingCache) Get(model, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[cacheKey(model, text)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cached).vec, true
}

// Put stores the embedding for (model, text), evicting the least recently
// used entry when full.
func (c *EmbeddingCache) Put(model, text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(model, text)
	if elem, ok := c.byKey[key]; ok {
		elem.Value.(*cached).vec = vec
		c.order.MoveToFront(elem)
		return
	}

	c.byKey[key] = c.order.PushFront(&cached{key: key, vec: vec})
	for c.order.Len() > c.max {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.byKey, tail.Value.(*cached).key)
	}
}

// Len returns the number of cached embeddings.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
