package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  tick: 1s
jobs:
  cache-crls:
    task: cache_crls
    schedule_seconds: 86100
  generate-ocsp-keys:
    task: generate_ocsp_keys
    expires: 72h
    safety_margin: 5m
ca:
  passwords:
    "ab:cd": secret
storage:
  driver: sqlite
  path: ./cabeat.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "cabeat.yaml", sampleYAML))
	m.SetEnviron(nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.SchedulerEnabled() {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	j := cfg.Jobs["generate-ocsp-keys"]
	if j.Expires != "72h" || j.SafetyMargin != "5m" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "cabeat.json", `{"logging":{"level":"info"},"smtp":{}}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "smtp") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "cabeat.json", `{} {}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "cabeat.yaml", sampleYAML+"admin:\n  enabled: false\n"))
	m.SetEnviron(func() []string {
		return []string{
			"CABEAT_LOG_LEVEL=warn",
			"CABEAT_ADMIN_TOKEN=t0k",
			"CABEAT_CA_PASSWORD_0xef01=pw",
			"UNRELATED=1",
		}
	})
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Admin.Token != "t0k" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.CA.Passwords["EF01"] != "pw" || cfg.CA.Passwords["ab:cd"] != "secret" {
		t.Fatalf("passwords = %v", cfg.CA.Passwords)
	}
}

func TestEffectiveJobsDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	jobs := cfg.EffectiveJobs()
	if *jobs["cache-crls"].ScheduleSeconds != 86100 || jobs["cache-crls"].Task != TaskCacheCRLs {
		t.Fatalf("cache-crls default: %+v", jobs["cache-crls"])
	}
	if jobs["generate-ocsp-keys"].Expires != "72h" || jobs["generate-ocsp-keys"].SafetyMargin != "5m" {
		t.Fatalf("ocsp default: %+v", jobs["generate-ocsp-keys"])
	}

	cfg.Jobs = map[string]JobConfig{}
	if len(cfg.EffectiveJobs()) != 0 {
		t.Fatal("explicit empty jobs replaced by defaults")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero config", cfg: Config{}},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, wantErr: "logging.level"},
		{name: "sub-second tick", cfg: Config{Scheduler: SchedulerConfig{Tick: "500ms"}}, wantErr: "scheduler.tick"},
		{name: "two schedule forms", cfg: Config{Jobs: map[string]JobConfig{"x": {Task: "cache_crls", ScheduleSeconds: Seconds(5), Every: "5s"}}}, wantErr: "exactly one"},
		{name: "explicit zero seconds is one form", cfg: Config{Jobs: map[string]JobConfig{"x": {Task: "cache_crls", ScheduleSeconds: Seconds(0)}}}},
		{name: "margin without expires", cfg: Config{Jobs: map[string]JobConfig{"x": {Task: "cache_crls", Every: "5s", SafetyMargin: "1s"}}}, wantErr: "requires expires"},
		{name: "missing task", cfg: Config{Jobs: map[string]JobConfig{"x": {Every: "5s"}}}, wantErr: "jobs.x.task"},
		{name: "postgres without dsn", cfg: Config{Storage: &StorageConfig{Driver: "postgres"}}, wantErr: "storage.dsn"},
		{name: "lock without redis", cfg: Config{Lock: &LockConfig{Enabled: true}}, wantErr: "lock"},
		{name: "bad crl scope", cfg: Config{CA: CAConfig{CRL: CRLConfig{Profiles: map[string]CRLProfileConfig{"weird": {}}}}}, wantErr: "scope"},
		{name: "bad ocsp key", cfg: Config{CA: CAConfig{OCSP: OCSPConfig{KeyType: "dsa"}}}, wantErr: "key_type"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Admin: AdminConfig{Token: "a"}, Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://u:p@h/db"}}
	newCfg := &Config{Admin: AdminConfig{Token: "b"}, Storage: &StorageConfig{Driver: "postgres", DSN: "postgres://u:q@h/db"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("secret-only changes reported: %v", changed)
	}

	newCfg.Logging.Level = "debug"
	newCfg.Jobs = map[string]JobConfig{"cache-crls": {Task: TaskCacheCRLs, ScheduleSeconds: Seconds(3600)}}
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"jobs", "logging"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	path := writeFile(t, "cabeat.yaml", "logging:\n  level: info\n")
	m := NewConfigManager(path)
	m.SetEnviron(nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestDecodeYAMLEdgeCases(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cabeat.yaml", nil)
	if err != nil || cfg.Jobs != nil {
		t.Fatalf("empty yaml: cfg=%+v err=%v", cfg, err)
	}

	cfg, err = Decode("cabeat.yml", []byte("ca:\n  passwords:\n    1234: secret\njobs:\n  x:\n    task: cache_crls\n    schedule_seconds: 0\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.CA.Passwords["1234"] != "secret" {
		t.Fatalf("numeric serial key lost: %+v", cfg.CA.Passwords)
	}
	if s := cfg.Jobs["x"].ScheduleSeconds; s == nil || *s != 0 {
		t.Fatalf("explicit zero schedule_seconds = %v, want pointer to 0", s)
	}

	if _, err := Decode("cabeat.yaml", []byte("logging: {}\n---\nlogging: {}\n")); err == nil || !strings.Contains(err.Error(), "multiple documents") {
		t.Fatalf("err = %v, want multiple documents", err)
	}
}

func TestParseDurationHelpers(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr string
	}{
		{raw: "", def: time.Minute, want: time.Minute},
		{raw: "0s", def: time.Minute, want: time.Minute},
		{raw: " 72h ", def: time.Minute, want: 72 * time.Hour},
		{raw: "-5m", wantErr: "lock.ttl: duration must be >= 0"},
		{raw: "soon", wantErr: "lock.ttl: invalid duration"},
	}
	for _, c := range cases {
		got, err := ParseDurationOrDefault("lock.ttl", c.raw, c.def)
		if c.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("%q: err = %v, want %q", c.raw, err, c.wantErr)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%q: got %s, %v want %s", c.raw, got, err, c.want)
		}
	}
}
