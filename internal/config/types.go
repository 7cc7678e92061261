package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of dispatched runs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Jobs maps a job id to its task and schedule. Omitted means DefaultJobs().
	// Jobs are registered in sorted id order.
	Jobs map[string]JobConfig `json:"jobs,omitempty"`

	CA CAConfig `json:"ca"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Cache   *CacheConfig   `json:"cache,omitempty"`
	Lock    *LockConfig    `json:"lock,omitempty"`
	Admin   AdminConfig    `json:"admin,omitempty"`
	Events  *EventsConfig  `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger.
//
// Enabled is a pointer so an omitted section still runs jobs.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Tick granularity, default "1s". Must be whole seconds.
	Tick string `json:"tick,omitempty"`
	// WarnEvery throttles overrun/rejection warnings per job, default "1m".
	WarnEvery string `json:"warn_every,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// JobConfig defines one recurring job.
//
// Exactly one schedule form must be given:
//   - schedule_seconds: fixed interval in seconds
//   - every: interval string ("23h55m", "02:30", "86100")
//   - expires + safety_margin: run safety_margin before expires elapses
type JobConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Task    string `json:"task"`

	ScheduleSeconds *int64 `json:"schedule_seconds,omitempty"`
	Every           string `json:"every,omitempty"`
	Expires         string `json:"expires,omitempty"`
	SafetyMargin    string `json:"safety_margin,omitempty"`

	Timeout string   `json:"timeout,omitempty"`
	Args    []string `json:"args,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Seconds builds a JobConfig.ScheduleSeconds value.
func Seconds(n int64) *int64 { return &n }

// CAConfig controls the CA-side task handlers.
type CAConfig struct {
	// Passwords maps a CA serial (hex, any case, colons allowed) to the
	// password of its encrypted private key. Never logged.
	// CABEAT_CA_PASSWORD_<SERIAL> environment variables override entries.
	Passwords map[string]string `json:"passwords,omitempty"`

	// KeyDir resolves relative key paths stored for authorities.
	KeyDir string `json:"key_dir,omitempty"`

	CRL  CRLConfig  `json:"crl,omitempty"`
	OCSP OCSPConfig `json:"ocsp,omitempty"`
}

// CRLConfig holds CRL profiles. Omitted profiles default to "ca" and "user".
type CRLConfig struct {
	Profiles map[string]CRLProfileConfig `json:"profiles,omitempty"`
}

type CRLProfileConfig struct {
	// Scope is "ca", "user" or "all". Defaults to the profile name when that
	// is a valid scope.
	Scope     string   `json:"scope,omitempty"`
	Expires   string   `json:"expires,omitempty"`   // default "24h"
	Algorithm string   `json:"algorithm,omitempty"` // sha256 | sha384 | sha512 (default)
	Encodings []string `json:"encodings,omitempty"` // PEM, DER (default both)

	// Overrides are keyed by CA serial.
	Overrides map[string]CRLOverride `json:"overrides,omitempty"`
}

type CRLOverride struct {
	Skip      bool   `json:"skip,omitempty"`
	Expires   string `json:"expires,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

type OCSPConfig struct {
	Expires string `json:"expires,omitempty"`  // responder certificate validity, default "72h"
	KeyType string `json:"key_type,omitempty"` // ecdsa (default) | rsa
	KeySize int    `json:"key_size,omitempty"` // rsa only, default 2048
}

// StorageConfig selects the certificate store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cabeat.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // file | sqlite | postgres
	Path        string `json:"path,omitempty"`         // file dir or sqlite file
	DSN         string `json:"dsn,omitempty"`          // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// CacheConfig selects where generated CRLs and OCSP keys are stored.
type CacheConfig struct {
	Driver string       `json:"driver"` // memory | redis
	Prefix string       `json:"prefix,omitempty"`
	Redis  *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// LockConfig enables a redis lock so only one instance runs a job at a time.
// Redis defaults to cache.redis.
type LockConfig struct {
	Enabled bool         `json:"enabled"`
	TTL     string       `json:"ttl,omitempty"` // default "10m"
	Prefix  string       `json:"prefix,omitempty"`
	Redis   *RedisConfig `json:"redis,omitempty"`
}

// AdminConfig controls the optional admin HTTP server (health, metrics,
// job table, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9180"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type EventsConfig struct {
	NATS *NATSConfig `json:"nats,omitempty"`
}

// NATSConfig forwards bus events to NATS.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix,omitempty"` // default "cabeat.events"
	Name          string `json:"name,omitempty"`
	Buffer        int    `json:"buffer,omitempty"`
}
