package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cabeat/internal/ca"
	"cabeat/internal/cache"
	"cabeat/internal/config"
	"cabeat/internal/observability/admin"
	"cabeat/internal/storage"
	"cabeat/internal/task/engine"
	"cabeat/internal/task/scheduler"
	"cabeat/internal/transport/natspub"
	logx "cabeat/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
	if cfg.SchedulerEnabled() && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tick < time.Second || tick%time.Second != 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.tick must be whole seconds, got %s", tick)
	}
	warn, err := config.ParseDurationOrDefault("scheduler.warn_every", cfg.Scheduler.WarnEvery, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.SchedulerEnabled(), Tick: tick, WarnEvery: warn}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRedisConfig(path string, rc *config.RedisConfig) (cache.RedisConfig, error) {
	if rc == nil {
		return cache.RedisConfig{}, fmt.Errorf("%s is required", path)
	}
	dial, err := config.ParseDurationField(path+".dial_timeout", rc.DialTimeout)
	if err != nil {
		return cache.RedisConfig{}, err
	}
	return cache.RedisConfig{
		Addr:        rc.Addr,
		Username:    rc.Username,
		Password:    rc.Password,
		DB:          rc.DB,
		DialTimeout: dial,
	}, nil
}

func mapCacheConfig(cfg *config.Config) (cache.Config, error) {
	if cfg.Cache == nil {
		return cache.Config{Driver: "memory"}, nil
	}
	out := cache.Config{Driver: cfg.Cache.Driver, Prefix: cfg.Cache.Prefix}
	if strings.EqualFold(strings.TrimSpace(out.Driver), "redis") {
		rc, err := mapRedisConfig("cache.redis", cfg.Cache.Redis)
		if err != nil {
			return cache.Config{}, err
		}
		out.Redis = rc
	}
	return out, nil
}

func mapCAConfig(cfg *config.Config) (ca.Config, error) {
	c := cfg.CA
	out := ca.Config{Passwords: c.Passwords, KeyDir: c.KeyDir}

	for _, name := range sortedKeys(c.CRL.Profiles) {
		p := c.CRL.Profiles[name]
		path := "ca.crl.profiles." + name
		scope, err := config.CRLScope(name, p)
		if err != nil {
			return ca.Config{}, fmt.Errorf("%s: %w", path, err)
		}
		expires, err := config.ParseDurationOrDefault(path+".expires", p.Expires, 24*time.Hour)
		if err != nil {
			return ca.Config{}, err
		}
		h, err := ca.ParseHash(p.Algorithm)
		if err != nil {
			return ca.Config{}, fmt.Errorf("%s.algorithm: %w", path, err)
		}
		prof := ca.Profile{Name: name, Scope: scope, Expires: expires, Hash: h}
		for _, e := range p.Encodings {
			enc, err := ca.ParseEncoding(e)
			if err != nil {
				return ca.Config{}, fmt.Errorf("%s.encodings: %w", path, err)
			}
			prof.Encodings = append(prof.Encodings, enc)
		}
		if len(p.Overrides) > 0 {
			prof.Overrides = map[string]ca.Override{}
			for serial, o := range p.Overrides {
				op := path + ".overrides." + serial
				oe, err := config.ParseDurationField(op+".expires", o.Expires)
				if err != nil {
					return ca.Config{}, err
				}
				oh := h
				if strings.TrimSpace(o.Algorithm) != "" {
					if oh, err = ca.ParseHash(o.Algorithm); err != nil {
						return ca.Config{}, fmt.Errorf("%s.algorithm: %w", op, err)
					}
				}
				prof.Overrides[serial] = ca.Override{Skip: o.Skip, Expires: oe, Hash: oh}
			}
		}
		out.Profiles = append(out.Profiles, prof)
	}

	exp, err := config.ParseDurationOrDefault("ca.ocsp.expires", c.OCSP.Expires, 72*time.Hour)
	if err != nil {
		return ca.Config{}, err
	}
	out.OCSP = ca.OCSPSettings{Expires: exp, KeyType: c.OCSP.KeyType, KeySize: c.OCSP.KeySize}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// profile endpoints stream for up to 30s by default
	wt, err := config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:              a.Enabled,
		Addr:                 a.Addr,
		Token:                a.Token,
		AllowInsecure:        a.AllowInsecure,
		Pprof:                a.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
	}, nil
}

func mapNATSConfig(cfg *config.Config) (natspub.Config, bool) {
	if cfg.Events == nil || cfg.Events.NATS == nil || !cfg.Events.NATS.Enabled {
		return natspub.Config{}, false
	}
	n := cfg.Events.NATS
	return natspub.Config{URL: n.URL, SubjectPrefix: n.SubjectPrefix, Name: n.Name, Buffer: n.Buffer}, true
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
