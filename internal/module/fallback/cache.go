package fallback

import (
	"container/list"
	"sync"
	"time"
)

// routeCache remembers which source served a repository, with TTL expiry
// and LRU eviction. Keys are "type:namespace/name".
type routeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recent

	hits   int64
	misses int64
}

type cacheEntry struct {
	key     string
	source  string
	expires time.Time
}

func newRouteCache(max int, ttl time.Duration) *routeCache {
	if max <= 0 {
		max = 1024
	}
	return &routeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached source name for a key.
func (c *routeCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return "", false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.source, true
}

// Put records the winning source for a key.
func (c *routeCache) Put(key, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.source = source
		entry.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, source: source, expires: time.Now().Add(c.ttl)})
	c.entries[key] = el

	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Max     int   `json:"max_entries"`
}

// Stats snapshots the cache counters.
func (c *routeCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses, Max: c.max}
}

// Clear drops every entry and resets the counters.
func (c *routeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses = 0, 0
}
