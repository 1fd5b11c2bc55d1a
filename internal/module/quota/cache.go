package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheTTL = 5 * time.Minute

// Cache is an optional Redis-backed cache for namespace usage documents.
// All methods degrade to no-ops on a nil cache or Redis failure.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewCache creates a usage cache. rdb may be nil.
func NewCache(rdb *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

func cacheKey(namespace string) string {
	return "quota:usage:" + namespace
}

// Get returns the cached usage for a namespace, or nil on miss.
func (c *Cache) Get(ctx context.Context, namespace string) *Usage {
	if c == nil || c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, cacheKey(namespace)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("quota cache get failed", zap.Error(err))
		}
		return nil
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil
	}
	return &u
}

// Set stores a usage document.
func (c *Cache) Set(ctx context.Context, namespace string, u *Usage) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(namespace), raw, cacheTTL).Err(); err != nil {
		c.logger.Debug("quota cache set failed", zap.Error(err))
	}
}

// Invalidate drops the cached usage for a namespace.
func (c *Cache) Invalidate(ctx context.Context, namespace string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, cacheKey(namespace)).Err(); err != nil {
		c.logger.Debug("quota cache invalidate failed", zap.Error(err))
	}
}
