package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyGuard claims a client-supplied request key. Claim reports false
// when the key was already used.
type IdempotencyGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
}

type RedisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotency(rdb *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{rdb: rdb, ttl: 24 * time.Hour}
}

func (g *RedisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	// set the key with a TTL of 24 hours unless it already exists
	redisKey := fmt.Sprintf("idempotent-key:%s", key)
	return g.rdb.SetNX(ctx, redisKey, "exists", g.ttl).Result()
}
