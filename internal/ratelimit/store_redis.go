package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "clinicore:ratelimit:"

// RedisStore counts requests in fixed windows shared by every replica.
type RedisStore struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := s.now()
	start := now.Truncate(window)
	bucket := fmt.Sprintf("%s%s:%d", keyPrefix, key, start.UnixMilli())

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, bucket)
		p.PExpire(ctx, bucket, window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("redis rate limit: %w", err)
	}

	count := int(incr.Val())
	resetAt := start.Add(window)
	allowed := count <= limit
	return Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  max(limit-count, 0),
		ResetAt:    resetAt,
		RetryAfter: retryAfter(allowed, resetAt, now),
	}, nil
}
