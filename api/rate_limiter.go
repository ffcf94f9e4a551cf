package api

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// OperationRateLimiter enforces a per-user operation budget over a fixed
// window, backed by Redis so the budget holds across relay instances.
// On Redis failure the limiter fails open: collaboration must not stall
// because the limiter's backing store is down.
type OperationRateLimiter struct {
	client    *redis.Client
	maxOps    int
	window    time.Duration
	keyPrefix string
}

// NewOperationRateLimiter creates a rate limiter allowing maxOps operations
// per window per user
func NewOperationRateLimiter(client *redis.Client, maxOps int, window time.Duration) *OperationRateLimiter {
	return &OperationRateLimiter{
		client:    client,
		maxOps:    maxOps,
		window:    window,
		keyPrefix: "tmcollab:oprate",
	}
}

// Allow records count operations for the user and reports whether they fit
// the current window. When the budget is exhausted it returns the time the
// client should wait before retrying.
func (rl *OperationRateLimiter) Allow(ctx context.Context, userID string, count int) (bool, time.Duration) {
	if rl.client == nil {
		return true, 0
	}

	key := fmt.Sprintf("%s:%s:%d", rl.keyPrefix, userID, time.Now().UnixNano()/int64(rl.window))

	pipe := rl.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, int64(count))
	pipe.Expire(ctx, key, rl.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		slogging.Get().Warn("Rate limiter Redis error, failing open - User: %s, Error: %v", userID, err)
		return true, 0
	}

	if incr.Val() > int64(rl.maxOps) {
		return false, rl.window
	}
	return true, 0
}
