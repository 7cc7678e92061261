package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores artifacts in a shared redis so every serving node sees them.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	rdb, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

// NewRedisClient builds a go-redis client from cfg. The lock package shares it.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	}), nil
}

func (c *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *Redis) Close() error { return c.rdb.Close() }
