package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache decorates a Checker with a TTL cache so repeated joins do not
// hit the canvas store. Entries expire rather than being invalidated: a
// share-list change takes at most one TTL to propagate.
type RedisCache struct {
	client *redis.Client
	next   Checker
	ttl    time.Duration
	prefix string
}

func NewRedisCache(redisURL string, next Checker, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{
		client: client,
		next:   next,
		ttl:    ttl,
		prefix: "access:",
	}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, next Checker, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, next: next, ttl: ttl, prefix: "access:"}
}

func (c *RedisCache) key(userID, canvasID string) string {
	return c.prefix + canvasID + ":" + userID
}

func (c *RedisCache) CanView(ctx context.Context, userID, canvasID string) (bool, error) {
	key := c.key(userID, canvasID)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return cached == "1", nil
	}
	if err != redis.Nil {
		// Cache unavailable: fall through to the store rather than fail
		// the join.
		return c.next.CanView(ctx, userID, canvasID)
	}

	allowed, err := c.next.CanView(ctx, userID, canvasID)
	if err != nil {
		return false, err
	}

	value := "0"
	if allowed {
		value = "1"
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		// Lookup already succeeded; a failed cache write is not a denial.
		return allowed, nil
	}
	return allowed, nil
}

// Invalidate drops the cached verdict for one user/canvas pair.
func (c *RedisCache) Invalidate(ctx context.Context, userID, canvasID string) error {
	if err := c.client.Del(ctx, c.key(userID, canvasID)).Err(); err != nil {
		return fmt.Errorf("invalidate access cache: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
