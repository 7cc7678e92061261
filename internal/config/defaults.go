package config

const (
	TaskCacheCRLs        = "cache_crls"
	TaskGenerateOCSPKeys = "generate_ocsp_keys"
)

// DefaultJobs mirrors the stock beat schedule: CRLs are refreshed just under
// every 24h and OCSP responder keys five minutes before their 3 day expiry.
func DefaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		"cache-crls": {
			Task:            TaskCacheCRLs,
			ScheduleSeconds: Seconds(86100),
		},
		"generate-ocsp-keys": {
			Task:         TaskGenerateOCSPKeys,
			Expires:      "72h",
			SafetyMargin: "5m",
		},
	}
}

// EffectiveJobs returns cfg.Jobs, or the defaults when none are configured.
func (c *Config) EffectiveJobs() map[string]JobConfig {
	if c == nil || c.Jobs == nil {
		return DefaultJobs()
	}
	return c.Jobs
}

func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}
