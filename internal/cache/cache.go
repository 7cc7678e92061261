// Package cache stores generated CA artifacts (CRLs, OCSP responder keys)
// for the serving side to pick up.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "cabeat/pkg/logx"
)

var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value store with per-key expiry.
// A ttl <= 0 stores the value without expiry.
type Cache interface {
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects the driver.
//
// Driver values:
//   - "" / "memory": in-process TTL map
//   - "redis": shared redis instance (Redis must be set)
type Config struct {
	Driver string
	Prefix string
	Redis  RedisConfig
}

type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Open builds the configured cache. The prefix is applied to every key.
func Open(cfg Config, log logx.Logger) (Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.Comp("cache"), logx.String("driver", driverName(driver)))

	var c Cache
	switch driver {
	case "", "memory":
		c = NewMemory()
	case "redis":
		rc, err := NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		c = rc
	default:
		return nil, errors.New("unknown cache driver: " + driver)
	}
	log.Debug("cache opened", logx.String("prefix", cfg.Prefix))
	if p := strings.TrimSpace(cfg.Prefix); p != "" {
		c = &prefixed{prefix: p, next: c}
	}
	return c, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

type prefixed struct {
	prefix string
	next   Cache
}

func (p *prefixed) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return p.next.Set(ctx, p.prefix+key, val, ttl)
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.next.Get(ctx, p.prefix+key)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.next.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Close() error { return p.next.Close() }
