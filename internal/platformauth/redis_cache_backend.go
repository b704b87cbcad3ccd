package platformauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces cache keys in a shared Redis.
const DefaultRedisKeyPrefix = "platformlink"

// RedisCacheBackend is a CacheBackend shared across instances through Redis.
type RedisCacheBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCacheBackend wraps an existing client; useful with miniredis in tests.
func NewRedisCacheBackend(client redis.UniversalClient, prefix string) *RedisCacheBackend {
	return &RedisCacheBackend{client: client, prefix: prefix}
}

// NewRedisCacheBackendFromURL parses a redis:// or rediss:// URL and connects.
func NewRedisCacheBackendFromURL(ctx context.Context, cacheURL string, prefix string) (*RedisCacheBackend, error) {
	options, err := redis.ParseURL(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("token_cache.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_cache.redis.ping: %w: %w", ErrCacheUnavailable, pingErr)
	}
	return NewRedisCacheBackend(client, prefix), nil
}

func (backend *RedisCacheBackend) redisKey(key string) string {
	if backend.prefix == "" {
		return key
	}
	return backend.prefix + ":" + key
}

func (backend *RedisCacheBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := backend.client.Get(ctx, backend.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (backend *RedisCacheBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return backend.client.Set(ctx, backend.redisKey(key), value, ttl).Err()
}

func (backend *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	err := backend.client.Del(ctx, backend.redisKey(key)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close releases the Redis connection pool.
func (backend *RedisCacheBackend) Close() error {
	return backend.client.Close()
}

// Client exposes the underlying client so other registries can share the connection pool.
func (backend *RedisCacheBackend) Client() redis.UniversalClient {
	return backend.client
}
