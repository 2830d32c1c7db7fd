// Package cache manages the Redis-backed listing caches. Cache errors are
// swallowed: a cold or unavailable cache never fails the primary path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/vidcore/internal/logger"
)

const (
	videoKeyPrefix = "video:"
	listKeyPrefix  = "videos:owner:"
	defaultTTL     = 5 * time.Minute
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: defaultTTL}
}

func videoKey(id string) string {
	return videoKeyPrefix + id
}

func ownerListKey(owner string, limit, offset int32) string {
	return fmt.Sprintf("%s%s:%d:%d", listKeyPrefix, owner, limit, offset)
}

// GetJSON loads a cached value into dst. Returns false on miss or any error.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.FromContext(ctx).Warn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.FromContext(ctx).Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON stores a value with the default TTL, best effort.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		logger.FromContext(ctx).Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *Cache) VideoKey(id string) string {
	return videoKey(id)
}

func (c *Cache) OwnerListKey(owner string, limit, offset int32) string {
	return ownerListKey(owner, limit, offset)
}

// InvalidateVideo drops the cached record for one video.
func (c *Cache) InvalidateVideo(ctx context.Context, id string) {
	if err := c.client.Del(ctx, videoKey(id)).Err(); err != nil {
		logger.FromContext(ctx).Warn("cache invalidate failed", "key", videoKey(id), "error", err)
	}
}

// InvalidateOwnerLists drops every cached listing page for an owner. Pages
// are keyed by pagination, so this scans the owner's prefix.
func (c *Cache) InvalidateOwnerLists(ctx context.Context, owner string) {
	pattern := listKeyPrefix + owner + ":*"

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logger.FromContext(ctx).Warn("cache scan failed", "pattern", pattern, "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				logger.FromContext(ctx).Warn("cache invalidate failed", "pattern", pattern, "error", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
