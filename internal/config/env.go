package config

import (
	"os"
	"strings"
)

const envPrefix = "CABEAT_"

// applyEnv lets deployments keep secrets and endpoints out of the config file.
//
//	CABEAT_LOG_LEVEL            logging.level
//	CABEAT_STORAGE_DSN          storage.dsn
//	CABEAT_REDIS_ADDR           cache.redis.addr
//	CABEAT_REDIS_PASSWORD       cache.redis.password
//	CABEAT_ADMIN_TOKEN          admin.token
//	CABEAT_NATS_URL             events.nats.url
//	CABEAT_CA_PASSWORD_<SERIAL> ca.passwords[<serial>]
func applyEnv(cfg *Config, environ []string) {
	get := func(k string) (string, bool) {
		for _, kv := range environ {
			if strings.HasPrefix(kv, k+"=") {
				return kv[len(k)+1:], true
			}
		}
		return "", false
	}

	if v, ok := get(envPrefix + "LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(envPrefix + "STORAGE_DSN"); ok && cfg.Storage != nil {
		cfg.Storage.DSN = v
	}
	if cfg.Cache != nil && cfg.Cache.Redis != nil {
		if v, ok := get(envPrefix + "REDIS_ADDR"); ok {
			cfg.Cache.Redis.Addr = v
		}
		if v, ok := get(envPrefix + "REDIS_PASSWORD"); ok {
			cfg.Cache.Redis.Password = v
		}
	}
	if v, ok := get(envPrefix + "ADMIN_TOKEN"); ok {
		cfg.Admin.Token = v
	}
	if v, ok := get(envPrefix + "NATS_URL"); ok && cfg.Events != nil && cfg.Events.NATS != nil {
		cfg.Events.NATS.URL = v
	}

	pwPrefix := envPrefix + "CA_PASSWORD_"
	for _, kv := range environ {
		if !strings.HasPrefix(kv, pwPrefix) {
			continue
		}
		k, v, ok := strings.Cut(kv[len(pwPrefix):], "=")
		if !ok || k == "" {
			continue
		}
		if cfg.CA.Passwords == nil {
			cfg.CA.Passwords = map[string]string{}
		}
		cfg.CA.Passwords[NormalizeSerial(k)] = v
	}
}

// NormalizeSerial upper-cases a hex serial and strips colons and a 0x prefix.
func NormalizeSerial(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	return strings.ToUpper(s)
}

func osEnviron() []string { return os.Environ() }
