package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "tryon:status:"

// StatusCache keeps terminal queue items in Redis so status polling after
// completion does not hit Postgres. Only terminal states are cached; a
// pending or processing item changes too fast to be worth it.
//
// A nil *StatusCache is valid and disables caching, so callers never need
// to branch on whether Redis is configured.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewStatusCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *StatusCache {
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached item or nil on miss. Cache errors degrade to a
// miss; the store remains the source of truth.
func (c *StatusCache) Get(ctx context.Context, id string) *tryon.QueueItem {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.logger.Warn("Status cache read failed", zap.Error(err), zap.String("queue_id", id))
		return nil
	}
	var item tryon.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		c.logger.Warn("Status cache entry corrupt", zap.Error(err), zap.String("queue_id", id))
		return nil
	}
	return &item
}

// Put stores a terminal item. Non-terminal items are ignored.
func (c *StatusCache) Put(ctx context.Context, item *tryon.QueueItem) {
	if c == nil || item == nil || !item.Terminal() {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		c.logger.Warn("Status cache marshal failed", zap.Error(err), zap.String("queue_id", item.ID))
		return
	}
	if err := c.client.Set(ctx, keyPrefix+item.ID, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Status cache write failed", zap.Error(err), zap.String("queue_id", item.ID))
	}
}

// Drop removes a cache entry; used after cancellation.
func (c *StatusCache) Drop(ctx context.Context, id string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		c.logger.Warn("Status cache delete failed", zap.Error(err), zap.String("queue_id", id))
	}
}
