package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "healrun:ratelimit:"

// RedisStore keeps bucket snapshots as JSON strings in Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. Snapshots expire after ttl; zero
// keeps them forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: defaultKeyPrefix, ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(service string) string {
	return s.prefix + service
}

// Load returns the stored snapshot for service, if any.
func (s *RedisStore) Load(ctx context.Context, service string) (BucketState, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(service)).Bytes()
	if errors.Is(err, redis.Nil) {
		return BucketState{}, false, nil
	}
	if err != nil {
		return BucketState{}, false, fmt.Errorf("get bucket %s: %w", service, err)
	}
	var state BucketState
	if err := json.Unmarshal(raw, &state); err != nil {
		return BucketState{}, false, fmt.Errorf("decode bucket %s: %w", service, err)
	}
	return state, true, nil
}

// Save writes state under its service key.
func (s *RedisStore) Save(ctx context.Context, state BucketState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode bucket %s: %w", state.Service, err)
	}
	if err := s.rdb.Set(ctx, s.key(state.Service), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set bucket %s: %w", state.Service, err)
	}
	return nil
}
