package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zseilabs/zsei/model"
)

func key(s, rel string) Key {
	return Key{ID: model.DeriveID([]byte(s)), Relation: rel}
}

func kids(names ...string) []model.ContainerID {
	out := make([]model.ContainerID, len(names))
	for i, n := range names {
		out[i] = model.DeriveID([]byte(n))
	}
	return out
}

func TestHotPathCacheBasics(t *testing.T) {
	c := New(2)

	c.Set(key("a", ""), kids("x", "y"))
	got, ok := c.Get(key("a", ""))
	assert.True(t, ok)
	assert.Equal(t, kids("x", "y"), got)

	_, ok = c.Get(key("b", ""))
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestHotPathCacheEviction(t *testing.T) {
	c := New(2)
	c.Set(key("a", ""), kids("1"))
	c.Set(key("b", ""), kids("2"))

	// Touch a so b becomes the LRU entry.
	_, _ = c.Get(key("a", ""))
	c.Set(key("c", ""), kids("3"))

	_, ok := c.Get(key("b", ""))
	assert.False(t, ok)
	_, ok = c.Get(key("a", ""))
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestHotPathCacheInvalidateContainer(t *testing.T) {
	c := New(8)
	c.Set(key("p", ""), kids("1"))
	c.Set(key("p", "contains"), kids("1"))
	c.Set(key("q", ""), kids("2"))

	c.InvalidateContainer(model.DeriveID([]byte("p")))

	_, ok := c.Get(key("p", ""))
	assert.False(t, ok)
	_, ok = c.Get(key("p", "contains"))
	assert.False(t, ok)
	_, ok = c.Get(key("q", ""))
	assert.True(t, ok)
}

func TestHotPathCacheDisabled(t *testing.T) {
	c := New(0)
	c.Set(key("a", ""), kids("1"))
	_, ok := c.Get(key("a", ""))
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
