package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// errNotAcquired means another holder owns the key.
var errNotAcquired = errors.New("lock: not acquired")

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 50 * time.Millisecond
	keyPrefix      = "lock:"
)

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`)

// Locker provides a Redis-backed mutual exclusion lock. Save slot writers use
// it so two API replicas never interleave writes to the same slot.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock executes fn while holding the lock for key, waiting with
// RetryBackoff between attempts until ctx is done. The lock is released when
// fn returns, whatever its result.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = defaultBackoff
	}
	for {
		token, err := l.acquire(ctx, key, ttl)
		if err == nil {
			defer l.release(key, token)
			return fn(ctx)
		}
		if !errors.Is(err, errNotAcquired) {
			return err
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) check(fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	return nil
}

func (l Locker) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errNotAcquired
	}
	return token, nil
}

// release deletes the key only if it still carries our token, so a lock that
// expired and was taken by someone else is left alone.
func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.R, []string{keyPrefix + key}, token).Err()
}
