package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReadCache serves ledger read traffic (Get by trace ID) from Redis so
// replicas never touch the primary log. Entries are immutable once appended,
// so a long TTL is safe.
type RedisReadCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReadCache creates a cache over an existing Redis client.
func NewRedisReadCache(client *redis.Client, ttl time.Duration) *RedisReadCache {
	return &RedisReadCache{client: client, ttl: ttl}
}

func (c *RedisReadCache) key(traceID string) string { return "trace:" + traceID }

// Put caches a record payload by trace ID. Cache failures are non-fatal to
// callers; the primary log remains authoritative.
func (c *RedisReadCache) Put(ctx context.Context, traceID string, payload []byte) error {
	return c.client.Set(ctx, c.key(traceID), payload, c.ttl).Err()
}

// Get returns the cached payload, or (nil, nil) on a miss.
func (c *RedisReadCache) Get(ctx context.Context, traceID string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(traceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
