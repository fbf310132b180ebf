// Package progress provides the ephemeral progress cache. It is a
// best-effort view for polling clients; the durable stores remain the
// source of truth.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// RedisCache implements intel.ProgressCache on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache initializes a Redis-backed progress cache. Entries expire
// after ttl so stale progress disappears on its own.
func NewRedisCache(addr, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Set writes the progress record.
func (c *RedisCache) Set(ctx context.Context, p intel.Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return c.client.Set(ctx, c.prefix+p.CompanyID, payload, c.ttl).Err()
}

// Get reads the progress record. A cache miss returns ok=false, not an error.
func (c *RedisCache) Get(ctx context.Context, companyID string) (intel.Progress, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+companyID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return intel.Progress{}, false, nil
		}
		return intel.Progress{}, false, err
	}
	var p intel.Progress
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return intel.Progress{}, false, fmt.Errorf("unmarshal progress: %w", err)
	}
	return p, true, nil
}
