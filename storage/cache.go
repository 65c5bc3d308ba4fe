package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const cacheVersion = 1

// cachedValue is the envelope every cache entry is stored in. Entries with
// another version are treated as absent.
type cachedValue struct {
	Version  int                    `json:"version"`
	CachedAt time.Time              `json:"cachedAt"`
	Value    sonic.NoCopyRawMessage `json:"value"`
}

func encodeValue(value any, now time.Time) ([]byte, error) {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return sonic.Marshal(cachedValue{Version: cacheVersion, CachedAt: now.UTC(), Value: raw})
}

func decodeValue(data []byte, dst any) error {
	var env cachedValue
	if err := sonic.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Version != cacheVersion {
		return fmt.Errorf("cache entry version %d, want %d", env.Version, cacheVersion)
	}
	return sonic.Unmarshal(env.Value, dst)
}

// RedisCache stores whole values under a key prefix with a TTL.
type RedisCache struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCache creates a cache on top of client. Keys are namespaced with
// prefix so several profiles can share one server.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if client == nil {
		panic("storage.NewRedisCache: client is nil")
	}
	return &RedisCache{redis: client, prefix: prefix, now: time.Now}
}

// Get decodes the entry for key into dst. Undecodable entries are removed
// and reported as absent.
func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.redis.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := decodeValue(data, dst); err != nil {
		_ = c.redis.Del(ctx, c.key(key)).Err()
		return false, nil
	}
	return true, nil
}

// Put replaces the entry for key. A ttl of zero keeps it until cleared.
func (c *RedisCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	data, err := encodeValue(value, c.now())
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *RedisCache) Clear(ctx context.Context, key string) error {
	return c.redis.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
