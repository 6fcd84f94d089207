package savestore

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/shop-reduction/internal/lock"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

const backendRedis = "redis"

// RedisStore keeps saves as zstd-compressed JSON blobs. Writers to one slot
// are serialised with the Redis lock.
type RedisStore struct {
	Client  *redis.Client
	Prefix  string
	Locker  lock.Locker
	LockTTL time.Duration
	// TTL expires slots when positive.
	TTL time.Duration
}

func (s RedisStore) key(slot string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "reduction:save:"
	}
	return prefix + slot
}

// Put writes contents to slot, replacing any previous save.
func (s RedisStore) Put(ctx context.Context, slot string, contents rules.SaveContents) (err error) {
	defer func() { obs.CountSaveOperation(backendRedis, "put", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	blob, err := compress(contents)
	if err != nil {
		return err
	}
	return s.Locker.WithLock(ctx, s.key(slot), s.LockTTL, func(ctx context.Context) error {
		return s.Client.Set(ctx, s.key(slot), blob, s.TTL).Err()
	})
}

// Get reads the save in slot.
func (s RedisStore) Get(ctx context.Context, slot string) (contents rules.SaveContents, err error) {
	defer func() { obs.CountSaveOperation(backendRedis, "get", err) }()
	if err = ValidateSlot(slot); err != nil {
		return rules.SaveContents{}, err
	}
	blob, err := s.Client.Get(ctx, s.key(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rules.SaveContents{}, ErrSlotNotFound
	}
	if err != nil {
		return rules.SaveContents{}, err
	}
	return decompress(blob)
}

// Delete removes slot. A missing slot yields ErrSlotNotFound.
func (s RedisStore) Delete(ctx context.Context, slot string) (err error) {
	defer func() { obs.CountSaveOperation(backendRedis, "delete", err) }()
	if err = ValidateSlot(slot); err != nil {
		return err
	}
	var removed int64
	err = s.Locker.WithLock(ctx, s.key(slot), s.LockTTL, func(ctx context.Context) error {
		n, err := s.Client.Del(ctx, s.key(slot)).Result()
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// Ping checks the Redis connection.
func (s RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}
