// Package cache holds the small Redis-backed counters the HTTP layer
// leans on. Job state itself lives in Postgres and the task queue; nothing
// here is ever authoritative.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the counter contract the rate limiter depends on.
// Implementations must be safe for concurrent use.
type Cache interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// RateLimitKey names the sliding-window counter for one caller.
func RateLimitKey(caller string) string {
	return fmt.Sprintf("ratelimit:%s", caller)
}

// RedisCache implements Cache on a shared go-redis client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IncrWithExpiry increments the counter and refreshes its window in one
// transaction, so the counter can never leak without a TTL.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
