package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mudworks/weaver"
)

type redisShared struct {
	client *redis.Client
}

// NewRedisShared opens a Redis-backed Shared cache from the kernel's Redis
// config. The URL field, when set, overrides Address/Password/DB.
func NewRedisShared(cfg *weaver.RedisCacheConfig) (Shared, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis cache selected but redis_config is missing")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	return &redisShared{client: redis.NewClient(opts)}, nil
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (c *redisShared) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity for redis (PONG should be returned).
func (c *redisShared) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisShared) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *redisShared) Get(ctx context.Context, key string) (bool, string, error) {
	s, err := c.client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	found := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return found, s, err
}

func (c *redisShared) SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error {
	ba, err := weaver.NewMarshaler().Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(ba), expiration)
}

func (c *redisShared) GetStruct(ctx context.Context, key string, target any) (bool, error) {
	found, s, err := c.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	return true, weaver.NewMarshaler().Unmarshal([]byte(s), target)
}

func (c *redisShared) Delete(ctx context.Context, keys []string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Clear the cache. Be cautious calling this as it flushes the Redis DB.
func (c *redisShared) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}
