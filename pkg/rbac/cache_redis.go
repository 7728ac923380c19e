package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache shares resolved permission sets between server instances. The
// generation counter lives in Redis, so an invalidation on one instance is
// seen by all of them on their next lookup.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. Keys are namespaced by prefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "repoperm"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) genKey() string {
	return c.prefix + ":perms:generation"
}

func (c *RedisCache) entryKey(gen uint64, key string) string {
	return fmt.Sprintf("%s:perms:%d:%s", c.prefix, gen, key)
}

func (c *RedisCache) Generation(ctx context.Context) (uint64, error) {
	v, err := c.client.Get(ctx, c.genKey()).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	gen, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache generation %q: %w", v, err)
	}
	return gen, nil
}

func (c *RedisCache) Get(ctx context.Context, gen uint64, key string) (*PermissionSet, error) {
	k := c.entryKey(gen, key)
	data, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var set PermissionSet
	if err := json.Unmarshal(data, &set); err != nil {
		// Drop corrupt entries so the next lookup resolves afresh
		c.client.Del(ctx, k)
		return nil, fmt.Errorf("failed to unmarshal permission set: %w", err)
	}
	return &set, nil
}

func (c *RedisCache) Set(ctx context.Context, gen uint64, key string, set *PermissionSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal permission set: %w", err)
	}
	return c.client.Set(ctx, c.entryKey(gen, key), data, c.ttl).Err()
}

// Invalidate bumps the shared generation. Old entries expire through their TTL.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.genKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}
	return nil
}
