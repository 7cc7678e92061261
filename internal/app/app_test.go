package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cabeat/internal/ca"
	"cabeat/internal/config"
	"cabeat/internal/storage"
	"cabeat/internal/task/engine"
	"cabeat/internal/task/scheduler"
	logx "cabeat/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	p := filepath.Join(dir, "cabeat.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func noEnv() []string { return nil }

func TestJobTableDefaults(t *testing.T) {
	t.Parallel()
	tasks := ca.New(nil, nil, ca.Config{}, logx.Nop())
	rows, err := JobTable(&config.Config{}, tasks)
	if err != nil {
		t.Fatalf("JobTable: %v", err)
	}
	want := []struct {
		id       string
		task     string
		interval time.Duration
	}{
		{"cache-crls", ca.TaskCacheCRLs, 86100 * time.Second},
		{"generate-ocsp-keys", ca.TaskGenerateOCSPKeys, 258900 * time.Second},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v", rows)
	}
	for i, w := range want {
		r := rows[i]
		if r.ID != w.id || r.Task != w.task || r.Interval != w.interval || !r.Enabled {
			t.Fatalf("row %d = %+v, want %s/%s/%s", i, r, w.id, w.task, w.interval)
		}
	}
}

func TestJobTableScheduleForms(t *testing.T) {
	t.Parallel()
	tasks := ca.New(nil, nil, ca.Config{}, logx.Nop())
	off := false
	cfg := &config.Config{Jobs: map[string]config.JobConfig{
		"a": {Task: ca.TaskCacheCRLs, Every: "23h55m"},
		"b": {Task: ca.TaskCacheCRL, Args: []string{"0A"}, ScheduleSeconds: config.Seconds(60), Timeout: "30s"},
		"c": {Task: ca.TaskGenerateOCSPKeys, Expires: "1h", SafetyMargin: "10m", Enabled: &off},
	}}
	rows, err := JobTable(cfg, tasks)
	if err != nil {
		t.Fatalf("JobTable: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Interval != 23*time.Hour+55*time.Minute {
		t.Fatalf("a interval = %s", rows[0].Interval)
	}
	if rows[1].Interval != time.Minute || rows[1].Timeout != 30*time.Second || rows[1].Args[0] != "0A" {
		t.Fatalf("b = %+v", rows[1])
	}
	if rows[2].Interval != 50*time.Minute || rows[2].Enabled {
		t.Fatalf("c = %+v", rows[2])
	}
}

func TestJobTableRejectsUnknownTask(t *testing.T) {
	t.Parallel()
	tasks := ca.New(nil, nil, ca.Config{}, logx.Nop())
	cfg := &config.Config{Jobs: map[string]config.JobConfig{
		"bad": {Task: "send_mail", ScheduleSeconds: config.Seconds(60)},
	}}
	_, err := JobTable(cfg, tasks)
	if !errors.Is(err, ca.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if !strings.Contains(err.Error(), "jobs.bad.task") {
		t.Fatalf("err = %v, want job path", err)
	}
}

func TestJobTableRejectsNonPositiveSeconds(t *testing.T) {
	t.Parallel()
	tasks := ca.New(nil, nil, ca.Config{}, logx.Nop())
	for _, secs := range []int64{0, -1} {
		cfg := &config.Config{Jobs: map[string]config.JobConfig{
			"zero": {Task: ca.TaskCacheCRLs, ScheduleSeconds: config.Seconds(secs)},
		}}
		if err := config.Validate(cfg); err != nil {
			t.Fatalf("%d: Validate: %v", secs, err)
		}
		_, err := JobTable(cfg, tasks)
		var ie *scheduler.InvalidIntervalError
		if !errors.As(err, &ie) || ie.ID != "zero" || !errors.Is(err, scheduler.ErrInvalidInterval) {
			t.Fatalf("%d: err = %v, want InvalidIntervalError for zero", secs, err)
		}
	}
}

const appYAML = `
logging:
  level: error
scheduler:
  tick: 1s
task_engine:
  workers: 2
storage:
  driver: file
  path: $DIR/store
cache:
  driver: memory
`

func TestNewAppRejectsUnknownTask(t *testing.T) {
	p := writeConfig(t, appYAML+`
jobs:
  bad:
    task: nope
    schedule_seconds: 10
`)
	if _, err := NewApp(p, WithEnviron(noEnv)); !errors.Is(err, ca.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestRunTaskWithoutAuthorities(t *testing.T) {
	a, err := NewApp(writeConfig(t, appYAML), WithEnviron(noEnv))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	if err := a.RunTask(context.Background(), ca.TaskCacheCRLs); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if err := a.RunTask(context.Background(), "nope"); !errors.Is(err, ca.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestStartRunsDueJobsAndRecordsRuns(t *testing.T) {
	a, err := NewApp(writeConfig(t, appYAML), WithEnviron(noEnv))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The first tick fires immediately and both default jobs never ran.
	deadline := time.Now().Add(3 * time.Second)
	var n int
	for time.Now().Before(deadline) {
		runs, err := a.deps.store.RecentRuns(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentRuns: %v", err)
		}
		if n = len(runs); n >= 2 {
			for _, r := range runs {
				if r.Error != "" || r.Task == "" {
					t.Fatalf("unexpected run record: %+v", r)
				}
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n < 2 {
		t.Fatalf("run records = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}

func TestStopFlushesRunRecords(t *testing.T) {
	p := writeConfig(t, appYAML)
	a, err := NewApp(p, WithEnviron(noEnv))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Stop right away: the startup runs must still reach the run log.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(filepath.Dir(p), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("run records after stop = %d, want 2", len(runs))
	}
}

// parkedEnqueuer accepts tasks and never runs them.
type parkedEnqueuer struct{}

func (parkedEnqueuer) Enqueue(engine.Task) error { return nil }

func TestWarnInFlightNamesRunningJobs(t *testing.T) {
	t.Parallel()
	reg := scheduler.NewRegistry()
	for _, id := range []string{"cache-crls", "generate-ocsp-keys"} {
		if err := reg.Register(id, time.Hour, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	sched := scheduler.NewScheduler(reg, parkedEnqueuer{}, logx.Nop(), nil)
	var buf bytes.Buffer
	a := &App{log: logx.NewWriter(&buf, "info"), sched: scheduler.New(scheduler.Config{}, sched, nil, logx.Nop())}

	a.warnInFlight()
	if buf.Len() != 0 {
		t.Fatalf("unexpected log before any dispatch: %s", buf.String())
	}

	sched.Tick(time.Unix(0, 0))
	a.warnInFlight()
	out := buf.String()
	if !strings.Contains(out, "jobs still running") || !strings.Contains(out, "cache-crls") || !strings.Contains(out, "generate-ocsp-keys") {
		t.Fatalf("log = %s", out)
	}
}
