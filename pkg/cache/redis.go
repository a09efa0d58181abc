package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/compliance-processor/pkg/logger"
)

type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger logger.Logger
}

func NewRedisCache(client redis.UniversalClient, prefix string, log logger.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: log.Named("cache"),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Cache read failed, treating as miss",
				logger.CacheKey(key),
				logger.Error(err),
			)
		}
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.logger.Warn("Cache write failed",
			logger.CacheKey(key),
			logger.Duration("ttl", ttl),
			logger.Error(err),
		)
		return false
	}
	return true
}

func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("Cache delete failed",
			logger.CacheKey(key),
			logger.Error(err),
		)
		return false
	}
	return true
}
