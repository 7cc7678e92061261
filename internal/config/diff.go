package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cabeat/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (tokens, DSNs, passwords) are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		te := TaskEngineConfig{}
		if newCfg.TaskEngine != nil {
			te = *newCfg.TaskEngine
		}
		attrs = append(attrs,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
		)
	}

	if jobs := diffJobs(oldCfg.EffectiveJobs(), newCfg.EffectiveJobs()); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Strings("jobs.changed", jobs))
	}

	oCA, nCA := oldCfg.CA, newCfg.CA
	pwChanged := !reflect.DeepEqual(oCA.Passwords, nCA.Passwords)
	oCA.Passwords, nCA.Passwords = nil, nil
	if pwChanged || !reflect.DeepEqual(oCA, nCA) {
		changed = append(changed, "ca")
		attrs = append(attrs,
			logx.Int("ca.passwords_count", len(newCfg.CA.Passwords)),
			logx.Int("ca.crl_profiles", len(newCfg.CA.CRL.Profiles)),
			logx.String("ca.ocsp.key_type", newCfg.CA.OCSP.KeyType),
		)
	}

	if storageShape(oldCfg.Storage) != storageShape(newCfg.Storage) {
		changed = append(changed, "storage")
		s := storageShape(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", s.driver),
			logx.Bool("storage.path_set", s.pathSet),
			logx.Bool("storage.dsn_set", s.dsnSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		driver := "memory"
		if newCfg.Cache != nil && newCfg.Cache.Driver != "" {
			driver = newCfg.Cache.Driver
		}
		attrs = append(attrs, logx.String("cache.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.Bool("lock.enabled", newCfg.Lock != nil && newCfg.Lock.Enabled))
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	tokenChanged := (strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "")
	oA.Token, nA.Token = "", ""
	if tokenChanged || oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
	}

	sort.Strings(changed)
	return changed, attrs
}

type storageSummary struct {
	driver  string
	pathSet bool
	dsnSet  bool
	busy    string
}

func storageShape(s *StorageConfig) storageSummary {
	if s == nil {
		return storageSummary{}
	}
	return storageSummary{
		driver:  strings.TrimSpace(s.Driver),
		pathSet: strings.TrimSpace(s.Path) != "",
		dsnSet:  strings.TrimSpace(s.DSN) != "",
		busy:    strings.TrimSpace(s.BusyTimeout),
	}
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
