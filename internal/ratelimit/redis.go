package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares the sliding window across gateway instances using two
// minute buckets per org. INCR on the current bucket is atomic, so concurrent
// checks never double-count in a way that disables the limit.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter constructs a shared-store limiter.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// Check counts this request and decides against the weighted two-bucket window.
func (l *RedisLimiter) Check(ctx context.Context, orgID int64, limitPerMinute int) (Decision, error) {
	if limitPerMinute <= 0 {
		return Decision{Allowed: true, Remaining: 0, ResetAt: l.now().Add(Window)}, nil
	}

	now := l.now()
	bucketStart := now.Truncate(Window)
	currentKey := bucketKey(orgID, bucketStart)
	previousKey := bucketKey(orgID, bucketStart.Add(-Window))

	previous, err := l.client.Get(ctx, previousKey).Int()
	if err != nil && err != redis.Nil {
		return Decision{}, fmt.Errorf("rate limit previous bucket: %w", err)
	}

	current, err := l.client.Incr(ctx, currentKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit increment: %w", err)
	}
	if current == 1 {
		// Keep the bucket long enough to serve as "previous" for the next one.
		if err := l.client.Expire(ctx, currentKey, 2*Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	elapsed := now.Sub(bucketStart)
	weight := 1.0 - float64(elapsed)/float64(Window)
	estimated := float64(current) + float64(previous)*weight

	resetAt := bucketStart.Add(Window)
	if estimated > float64(limitPerMinute) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	remaining := limitPerMinute - int(estimated)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

func bucketKey(orgID int64, start time.Time) string {
	return fmt.Sprintf("ratelimit:org:%d:%d", orgID, start.Unix())
}
