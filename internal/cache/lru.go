// Package cache implements the hot-path traversal cache: a bounded LRU of
// (container, relation) → ordered child ids. It is a pure read-through
// optimization; the record store stays authoritative and disabling the
// cache changes latency only, never results.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zseilabs/zsei/model"
)

// Key identifies one hot path: a container's children under one relation.
// An empty Relation keys the unfiltered child list.
type Key struct {
	ID       model.ContainerID
	Relation string
}

// HotPathCache is a bounded LRU keyed by (container, relation).
type HotPathCache struct {
	mu        sync.Mutex
	capacity  int
	items     map[Key]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key      Key
	children []model.ContainerID
}

// New creates a cache holding up to capacity entries. A capacity <= 0
// disables caching entirely.
func New(capacity int) *HotPathCache {
	return &HotPathCache{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached child list for key. The returned slice is shared
// and must be treated as read-only.
func (c *HotPathCache) Get(key Key) ([]model.ContainerID, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).children, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a child list for key, evicting the least recently used entry
// when over capacity.
func (c *HotPathCache) Set(key Key, children []model.ContainerID) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		ent.Value.(*entry).children = children
		return
	}

	element := c.evictList.PushFront(&entry{key: key, children: children})
	c.items[key] = element

	for c.evictList.Len() > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}
}

// InvalidateContainer drops every entry keyed by id, across all relations.
// Called on any edge mutation or delete touching the container.
func (c *HotPathCache) InvalidateContainer(id model.ContainerID) {
	c.Invalidate(func(key Key) bool { return key.ID == id })
}

// Invalidate removes entries matching the predicate.
func (c *HotPathCache) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

// Purge empties the cache.
func (c *HotPathCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*list.Element)
	c.evictList.Init()
}

// Len returns the number of cached entries.
func (c *HotPathCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Stats returns hit/miss counters.
func (c *HotPathCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *HotPathCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	delete(c.items, e.Value.(*entry).key)
}
