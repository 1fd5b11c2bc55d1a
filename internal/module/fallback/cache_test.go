package fallback

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteCache_Basics(t *testing.T) {
	c := newRouteCache(10, time.Minute)

	_, ok := c.Get("model:alice/bert")
	assert.False(t, ok)

	c.Put("model:alice/bert", "huggingface")
	src, ok := c.Get("model:alice/bert")
	require.True(t, ok)
	assert.Equal(t, "huggingface", src)

	t.Run("put replaces existing entry", func(t *testing.T) {
		c.Put("model:alice/bert", "mirror")
		src, ok := c.Get("model:alice/bert")
		require.True(t, ok)
		assert.Equal(t, "mirror", src)
	})

	t.Run("stats track hits and misses", func(t *testing.T) {
		stats := c.Stats()
		assert.Equal(t, 1, stats.Entries)
		assert.Equal(t, int64(2), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
	})
}

func TestRouteCache_TTLExpiry(t *testing.T) {
	c := newRouteCache(10, 10*time.Millisecond)
	c.Put("model:alice/bert", "huggingface")

	_, ok := c.Get("model:alice/bert")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("model:alice/bert")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Entries, "expired entry dropped on read")
}

func TestRouteCache_LRUEviction(t *testing.T) {
	c := newRouteCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("model:ns/r%d", i), "src")
	}

	// Touch r0 so r1 becomes the eviction candidate.
	_, ok := c.Get("model:ns/r0")
	require.True(t, ok)

	c.Put("model:ns/r3", "src")

	_, ok = c.Get("model:ns/r1")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("model:ns/r0")
	assert.True(t, ok)
	_, ok = c.Get("model:ns/r3")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Stats().Entries)
}

func TestRouteCache_Clear(t *testing.T) {
	c := newRouteCache(10, time.Minute)
	c.Put("a", "x")
	c.Get("a")
	c.Get("missing")

	c.Clear()
	stats := c.Stats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestRouteCache_DefaultMax(t *testing.T) {
	c := newRouteCache(0, time.Minute)
	assert.Equal(t, 1024, c.Stats().Max)
}
