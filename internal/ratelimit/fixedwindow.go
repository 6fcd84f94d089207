package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow is a Backend built on ulule/limiter with a Redis store. The
// price endpoints use it since hosts quote in bursts and only need a coarse cap.
type FixedWindow struct {
	Limiter *limiter.Limiter
}

// NewFixedWindow parses a rate such as "600-M" and binds it to Redis keys under prefix.
func NewFixedWindow(client *redis.Client, rate, prefix string) (FixedWindow, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return FixedWindow{Limiter: limiter.New(store, parsed)}, nil
}

// Take implements Backend.
func (f FixedWindow) Take(ctx context.Context, key string) (Decision, error) {
	lctx, err := f.Limiter.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		Reset:     time.Unix(lctx.Reset, 0),
	}, nil
}
