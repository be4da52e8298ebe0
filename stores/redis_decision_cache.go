package stores

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tourneyhub/authz"
)

// RedisDecisionCache shares memoized decisions across processes via Redis
// (key: authz:decision:{user}:{org}:{action}:{resource}). A Redis failure is
// treated as a cache miss so evaluation still completes; stale entries are
// bounded by the configured TTL (zero keeps them until invalidated).
type RedisDecisionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDecisionCache(client *redis.Client, ttl time.Duration) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, prefix: "authz:decision:", ttl: ttl}
}

func (c *RedisDecisionCache) key(k authz.DecisionKey) string {
	return c.prefix + k.String()
}

func (c *RedisDecisionCache) Get(ctx context.Context, key authz.DecisionKey) (bool, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		return false, false
	}
	return val == "1", true
}

func (c *RedisDecisionCache) Set(ctx context.Context, key authz.DecisionKey, allowed bool) {
	val := "0"
	if allowed {
		val = "1"
	}
	c.client.Set(ctx, c.key(key), val, c.ttl)
}

func (c *RedisDecisionCache) InvalidateDecisions(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
