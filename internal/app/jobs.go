package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cabeat/internal/ca"
	"cabeat/internal/config"
	"cabeat/internal/lock"
	"cabeat/internal/task/scheduler"
	logx "cabeat/pkg/logx"
)

// JobRow is one line of the effective schedule table.
type JobRow struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Args     []string      `json:"args,omitempty"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Enabled  bool          `json:"enabled"`
	// Source describes how Interval was derived, e.g. "expires 72h0m0s - 5m0s".
	Source string `json:"source"`
}

// resolveInterval turns the schedule form of a job into an interval.
func resolveInterval(id string, j config.JobConfig) (time.Duration, string, error) {
	p := "jobs." + id
	switch {
	case j.ScheduleSeconds != nil:
		secs := *j.ScheduleSeconds
		d := time.Duration(secs) * time.Second
		if secs <= 0 {
			return 0, "", &scheduler.InvalidIntervalError{ID: id, Interval: d}
		}
		return d, fmt.Sprintf("schedule_seconds %d", secs), nil
	case strings.TrimSpace(j.Every) != "":
		d, err := scheduler.ParseInterval(j.Every)
		if err != nil {
			return 0, "", fmt.Errorf("%s.every: %w", p, withJobID(id, err))
		}
		return d, "every " + strings.TrimSpace(j.Every), nil
	case strings.TrimSpace(j.Expires) != "":
		exp, err := config.ParseDurationField(p+".expires", j.Expires)
		if err != nil {
			return 0, "", err
		}
		margin, err := config.ParseDurationField(p+".safety_margin", j.SafetyMargin)
		if err != nil {
			return 0, "", err
		}
		d, err := scheduler.ExpiryInterval(exp, margin)
		if err != nil {
			return 0, "", fmt.Errorf("%s: %w", p, withJobID(id, err))
		}
		return d, fmt.Sprintf("expires %s - %s", exp, margin), nil
	}
	return 0, "", fmt.Errorf("%s: no schedule", p)
}

func withJobID(id string, err error) error {
	var ie *scheduler.InvalidIntervalError
	if errors.As(err, &ie) && ie.ID == "" {
		ie.ID = id
	}
	return err
}

// JobTable resolves the effective job configuration in registration order
// (sorted by id). Unknown task names are errors.
func JobTable(cfg *config.Config, tasks *ca.Tasks) ([]JobRow, error) {
	jobs := cfg.EffectiveJobs()
	var (
		rows []JobRow
		errs []error
	)
	for _, id := range sortedKeys(jobs) {
		j := jobs[id]
		interval, src, err := resolveInterval(id, j)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		timeout, err := config.ParseDurationField("jobs."+id+".timeout", j.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if tasks != nil && !tasks.Has(j.Task) {
			errs = append(errs, fmt.Errorf("jobs.%s.task: %w: %q (known: %s)", id, ca.ErrUnknownTask, j.Task, strings.Join(tasks.Names(), ", ")))
			continue
		}
		rows = append(rows, JobRow{
			ID:       id,
			Task:     j.Task,
			Args:     j.Args,
			Interval: interval,
			Timeout:  timeout,
			Enabled:  j.IsEnabled(),
			Source:   src,
		})
	}
	return rows, errors.Join(errs...)
}

// registerJobs adds every enabled row to reg. Handlers are optionally
// guarded by the cross-instance lock.
func registerJobs(reg *scheduler.Registry, rows []JobRow, tasks *ca.Tasks, locker lock.Locker, log logx.Logger) error {
	for _, r := range rows {
		if !r.Enabled {
			log.Info("job disabled", logx.String("job", r.ID))
			continue
		}
		h, err := tasks.Handler(r.Task, r.Args...)
		if err != nil {
			return fmt.Errorf("jobs.%s: %w", r.ID, err)
		}
		if locker != nil {
			h = lock.Wrap(locker, r.ID, log, h)
		}
		if err := reg.RegisterJob(scheduler.Job{ID: r.ID, Interval: r.Interval, Timeout: r.Timeout, Handler: h}); err != nil {
			return err
		}
		log.Info("job registered", logx.String("job", r.ID), logx.String("task", r.Task), logx.Duration("interval", r.Interval), logx.String("source", r.Source))
	}
	return nil
}
