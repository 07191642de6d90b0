package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache stores whole entities as JSON values with a PX expiry.
// Redis failures degrade to cache misses.
type RedisCache[T any] struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
	stats   StatsRecorder
}

// NewRedisCache creates a redis backed cache; keys are stored under prefix
func NewRedisCache[T any](client redis.UniversalClient, prefix string, logger *zap.Logger, stats StatsRecorder) *RedisCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache[T]{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		logger:  logger,
		stats:   stats,
	}
}

func (c *RedisCache[T]) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RedisCache[T]) Set(key string, data T, ttl time.Duration) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		c.logger.Warn("Failed to write cache entry", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache[T]) Get(key string) (T, bool) {
	var zero T

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		}
		c.recordMiss()
		return zero, false
	}

	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		c.Invalidate(key)
		c.recordMiss()
		return zero, false
	}
	if c.stats != nil {
		c.stats.CacheHit(c.prefix)
	}
	return data, true
}

func (c *RedisCache[T]) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Warn("Failed to invalidate cache entry", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache[T]) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*c.timeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Failed to scan cache keys", zap.String("prefix", c.prefix), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("Failed to clear cache", zap.String("prefix", c.prefix), zap.Error(err))
	}
}

func (c *RedisCache[T]) recordMiss() {
	if c.stats != nil {
		c.stats.CacheMiss(c.prefix)
	}
}
