package router

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares the per-user window across gateway replicas. A
// user's window opens with their first counted message and lasts window;
// the counter key expires with it.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter allows limit messages per window per user.
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "rl:",
	}
}

func (l *RedisLimiter) Limit() int { return l.limit }

// Allow increments the user's counter. The expiry is only set when the key
// has none, so later messages never push the window out. Redis errors are
// returned to the caller, which rejects the message.
func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := l.prefix + userID

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return incr.Val() <= int64(l.limit), nil
}
