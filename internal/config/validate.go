package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "cabeat/pkg/logx"
)

// Validate performs structural checks. Job schedules and task names are
// resolved and checked by the app layer.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if tick, err := ParseDurationField("scheduler.tick", cfg.Scheduler.Tick); err != nil {
		add(err)
	} else if tick != 0 && (tick < time.Second || tick%time.Second != 0) {
		add(fmt.Errorf("scheduler.tick: must be whole seconds >= 1s, got %s", tick))
	}
	_, err := ParseDurationField("scheduler.warn_every", cfg.Scheduler.WarnEvery)
	add(err)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(errors.New("task_engine.workers: must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(errors.New("task_engine.queue_size: must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size: must be >= 0"))
		}
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
	}

	ids := make([]string, 0, len(cfg.Jobs))
	for id := range cfg.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		add(validateJob(id, cfg.Jobs[id]))
	}

	add(validateCA(&cfg.CA))

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "file", "sqlite", "sqlite3":
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn: required for postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unsupported %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if c := cfg.Cache; c != nil {
		switch strings.ToLower(strings.TrimSpace(c.Driver)) {
		case "", "memory":
		case "redis":
			if c.Redis == nil || strings.TrimSpace(c.Redis.Addr) == "" {
				add(errors.New("cache.redis.addr: required for redis cache"))
			}
		default:
			add(fmt.Errorf("cache.driver: unsupported %q", c.Driver))
		}
	}

	if l := cfg.Lock; l != nil && l.Enabled {
		if LockRedis(cfg) == nil {
			add(errors.New("lock: enabled but no redis configured (lock.redis or cache.redis)"))
		}
		_, err := ParseDurationField("lock.ttl", l.TTL)
		add(err)
	}

	if cfg.Admin.Enabled {
		for k, v := range map[string]string{
			"admin.read_timeout":  cfg.Admin.ReadTimeout,
			"admin.write_timeout": cfg.Admin.WriteTimeout,
			"admin.idle_timeout":  cfg.Admin.IdleTimeout,
		} {
			_, err := ParseDurationField(k, v)
			add(err)
		}
	}

	if ev := cfg.Events; ev != nil && ev.NATS != nil && ev.NATS.Enabled && strings.TrimSpace(ev.NATS.URL) == "" {
		add(errors.New("events.nats.url: required when enabled"))
	}

	return errors.Join(errs...)
}

func validateJob(id string, j JobConfig) error {
	p := "jobs." + id
	if strings.TrimSpace(id) == "" {
		return errors.New("jobs: empty job id")
	}
	if strings.TrimSpace(j.Task) == "" {
		return fmt.Errorf("%s.task: required", p)
	}
	forms := 0
	if j.ScheduleSeconds != nil {
		forms++
	}
	if strings.TrimSpace(j.Every) != "" {
		forms++
	}
	if strings.TrimSpace(j.Expires) != "" {
		forms++
	} else if strings.TrimSpace(j.SafetyMargin) != "" {
		return fmt.Errorf("%s.safety_margin: requires expires", p)
	}
	if forms != 1 {
		return fmt.Errorf("%s: exactly one of schedule_seconds, every, expires is required", p)
	}
	if _, err := ParseDurationField(p+".timeout", j.Timeout); err != nil {
		return err
	}
	return nil
}

func validateCA(ca *CAConfig) error {
	var errs []error
	for name, p := range ca.CRL.Profiles {
		pp := "ca.crl.profiles." + name
		if _, err := CRLScope(name, p); err != nil {
			errs = append(errs, fmt.Errorf("%s.scope: %w", pp, err))
		}
		if _, err := ParseDurationField(pp+".expires", p.Expires); err != nil {
			errs = append(errs, err)
		}
		switch strings.ToLower(strings.TrimSpace(p.Algorithm)) {
		case "", "sha256", "sha384", "sha512":
		default:
			errs = append(errs, fmt.Errorf("%s.algorithm: unsupported %q", pp, p.Algorithm))
		}
		for _, e := range p.Encodings {
			switch strings.ToUpper(strings.TrimSpace(e)) {
			case "PEM", "DER":
			default:
				errs = append(errs, fmt.Errorf("%s.encodings: unsupported %q", pp, e))
			}
		}
	}
	if _, err := ParseDurationField("ca.ocsp.expires", ca.OCSP.Expires); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(ca.OCSP.KeyType)) {
	case "", "ecdsa", "rsa":
	default:
		errs = append(errs, fmt.Errorf("ca.ocsp.key_type: unsupported %q", ca.OCSP.KeyType))
	}
	if ca.OCSP.KeySize != 0 && ca.OCSP.KeySize < 2048 {
		errs = append(errs, errors.New("ca.ocsp.key_size: must be >= 2048"))
	}
	return errors.Join(errs...)
}

// CRLScope resolves the scope of a profile; it defaults to the profile name.
func CRLScope(name string, p CRLProfileConfig) (string, error) {
	s := strings.ToLower(strings.TrimSpace(p.Scope))
	if s == "" {
		s = strings.ToLower(strings.TrimSpace(name))
	}
	switch s {
	case "ca", "user", "all":
		return s, nil
	}
	return "", fmt.Errorf("unknown scope %q (ca, user, all)", s)
}

// LockRedis returns the redis settings used by the lock, falling back to
// the cache's redis.
func LockRedis(cfg *Config) *RedisConfig {
	if cfg.Lock != nil && cfg.Lock.Redis != nil && strings.TrimSpace(cfg.Lock.Redis.Addr) != "" {
		return cfg.Lock.Redis
	}
	if cfg.Cache != nil && cfg.Cache.Redis != nil && strings.TrimSpace(cfg.Cache.Redis.Addr) != "" {
		return cfg.Cache.Redis
	}
	return nil
}
