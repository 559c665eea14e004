package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Expiry uses native key TTLs.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "goldvision:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// OpenRedis parses a redis:// URL, connects and pings.
func OpenRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrUnavailable, err)
	}

	s := NewRedis(rdb, prefix)
	s.owned = true
	return s, nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", s.wrap(err)
	}
	return v, nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return s.wrap(err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *Redis) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
