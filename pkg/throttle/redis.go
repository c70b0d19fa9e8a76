package throttle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared across gateway instances,
// backed by INCR with a window-length expiry.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window}
}

var _ RateLimiter = (*RedisLimiter)(nil)

func (l *RedisLimiter) IncrementCount(ctx context.Context, key string) error {
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis incr %q: %w", key, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("redis expire %q: %w", key, err)
		}
	}
	if n > l.limit {
		retryAfter := int(l.window.Seconds())
		if ttl, err := l.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAfter = int(ttl.Seconds()) + 1
		}
		return &ThrottlingError{
			Code:          http.StatusTooManyRequests,
			Message:       "Exceeded request budget for " + key,
			RetryAfterSec: retryAfter,
		}
	}
	return nil
}
