package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// RateLimiter is a sliding-window limiter over a sorted set, shared by every
// process hitting the same exchange.
type RateLimiter struct {
	client        *Client
	slidingWindow *redis.Script
	// Wait admits at most waitLimit calls per waitWindow.
	waitLimit  int
	waitWindow time.Duration
}

// NewRateLimiter creates a RateLimiter. waitLimit and waitWindow apply to
// Wait; Allow takes its own limit.
func NewRateLimiter(c *Client, waitLimit int, waitWindow time.Duration) *RateLimiter {
	if waitLimit <= 0 {
		waitLimit = 1
	}
	if waitWindow <= 0 {
		waitWindow = time.Second
	}
	return &RateLimiter{
		client:        c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		waitLimit:     waitLimit,
		waitWindow:    waitWindow,
	}
}

// Allow counts one request under rl:{key} and reports whether it fits in
// limit per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.client.Underlying(),
		[]string{rl.client.Key("rl", key)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Wait polls Allow until the request is admitted or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, err := rl.Allow(ctx, key, rl.waitLimit, rl.waitWindow)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
