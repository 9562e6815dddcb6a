package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store against a Redis server, the production
// backing for the fork/join barrier's live/<id> and done/<id> lists.
type RedisStore struct {
	client *redis.Client
}

// Config configures the Redis connection a ComposerState.Redis payload
// describes.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore dials a Redis server and verifies connectivity.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) LPush(ctx context.Context, key string, value []byte) (int64, error) {
	return s.client.LPush(ctx, key, value).Result()
}

func (s *RedisStore) LPushX(ctx context.Context, key string, value []byte) (int64, error) {
	n, err := s.client.LPushX(ctx, key, value).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) BRPop(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	result, err := s.client.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, false, nil
	}
	return []byte(result[1]), true, nil
}

func (s *RedisStore) Rename(ctx context.Context, src, dst string) error {
	err := s.client.Rename(ctx, src, dst).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (s *RedisStore) LRange(ctx context.Context, key string) ([][]byte, error) {
	strs, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
