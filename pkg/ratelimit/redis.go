package ratelimit

import (
	"context"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisLimiter shares counters across gateway replicas. The window opens with
// PEXPIRE on the first INCR of a key.
type RedisLimiter struct {
	client *backend.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter from an existing client.
func NewRedisLimiter(client *backend.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "strata:ratelimit:"
	}

	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	if count == 1 {
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to open rate window: %w", err)
		}
	}

	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read rate window: %w", err)
	}

	// A key without expiry means a crash between INCR and PEXPIRE; reopen the window.
	if ttl < 0 {
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to open rate window: %w", err)
		}

		ttl = window
	}

	return decide(count, limit, l.now().Add(ttl)), nil
}
