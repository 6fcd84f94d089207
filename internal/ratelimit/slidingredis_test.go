package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindowAllow(t *testing.T) {
	client, _ := newRedis(t)
	limiter := SlidingWindow{Client: client, Prefix: "test:"}

	ctx := context.Background()
	window := 50 * time.Millisecond
	max := 2

	for i := 0; i < max; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "key", window, max)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i)
		require.Equal(t, max-(i+1), remaining)
	}

	allowed, remaining, _, err := limiter.Allow(ctx, "key", window, max)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)

	time.Sleep(2 * window)

	allowed, _, _, err = limiter.Allow(ctx, "key", window, max)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestSlidingWindowDisabledWithoutClient(t *testing.T) {
	d, err := SlidingWindow{Max: 3, Window: time.Second}.Take(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 3, d.Remaining)
}
