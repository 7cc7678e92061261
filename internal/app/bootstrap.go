package app

import (
	"errors"
	"fmt"
	"time"

	"cabeat/internal/cache"
	"cabeat/internal/config"
	"cabeat/internal/lock"
	"cabeat/internal/storage"
	logx "cabeat/pkg/logx"
)

// deps are the external resources the CA tasks run against.
type deps struct {
	store  storage.Store
	cache  cache.Cache
	locker lock.Locker
	closer []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closer) - 1; i >= 0; i-- {
		errs = append(errs, d.closer[i]())
	}
	d.closer = nil
	return errors.Join(errs...)
}

func openDeps(cfg *config.Config, log logx.Logger) (*deps, error) {
	d := &deps{}
	fail := func(err error) (*deps, error) {
		_ = d.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		d.store = st
		d.closer = append(d.closer, st.Close)
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.Secret("dsn", sc.DSN))
	} else {
		log.Warn("storage disabled; CA tasks will fail until storage is configured")
	}

	cc, err := mapCacheConfig(cfg)
	if err != nil {
		return fail(err)
	}
	c, err := cache.Open(cc, log)
	if err != nil {
		return fail(fmt.Errorf("cache: %w", err))
	}
	d.cache = c
	d.closer = append(d.closer, c.Close)

	if cfg.Lock != nil && cfg.Lock.Enabled {
		rc, err := mapRedisConfig("lock.redis", config.LockRedis(cfg))
		if err != nil {
			return fail(err)
		}
		rdb, err := cache.NewRedisClient(rc)
		if err != nil {
			return fail(fmt.Errorf("lock: %w", err))
		}
		d.closer = append(d.closer, rdb.Close)
		ttl, err := config.ParseDurationOrDefault("lock.ttl", cfg.Lock.TTL, 10*time.Minute)
		if err != nil {
			return fail(err)
		}
		d.locker = lock.NewRedis(rdb, ttl, cfg.Lock.Prefix, log)
		log.Info("cross-instance lock enabled", logx.Duration("ttl", ttl), logx.String("redis", rc.Addr), logx.Secret("password", rc.Password))
	}
	return d, nil
}
