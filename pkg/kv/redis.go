package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis server. Keys are namespaced with a
// prefix so multiple SDK instances (or unrelated data) can share one
// database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing go-redis client. The prefix is prepended to
// every key; pass an empty string to store keys as-is.
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.Join(ErrStoreUnavailable, errors.New("kv: nil redis client"))
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case err != nil:
		return "", false, errors.Join(ErrStoreUnavailable, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(s.prefix):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
