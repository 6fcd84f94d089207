package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a sliding window limiter backed by Redis sorted
// sets. It guards authoring commands, where bursts must not slip through at
// window boundaries.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
}

// Take implements Backend.
func (l SlidingWindow) Take(ctx context.Context, key string) (Decision, error) {
	allowed, remaining, reset, err := l.Allow(ctx, key, l.Window, l.Max)
	return Decision{Allowed: allowed, Limit: l.Max, Remaining: remaining, Reset: reset}, err
}

// Allow registers an event for key and returns whether it is within max events per window.
func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	reset = now.Add(window)
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, reset, nil
	}

	redisKey := l.Prefix + key
	cutoff := float64(now.Add(-window).UnixNano())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, reset, err
	}

	current := int(countCmd.Val())
	return current <= max, max - min(current, max), reset, nil
}
