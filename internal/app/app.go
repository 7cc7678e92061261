package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cabeat/internal/ca"
	"cabeat/internal/config"
	"cabeat/internal/eventbus"
	"cabeat/internal/observability/admin"
	"cabeat/internal/observability/metrics"
	rtsup "cabeat/internal/runtime/supervisor"
	"cabeat/internal/storage"
	"cabeat/internal/task/engine"
	"cabeat/internal/task/scheduler"
	"cabeat/internal/transport/natspub"
	logx "cabeat/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	deps *deps

	tasks  *ca.Tasks
	rows   []JobRow
	engine *engine.Service
	sched  *scheduler.Service

	metrics *metrics.Collector
	admin   *admin.Service
	nats    natspub.Config
	natsOn  bool

	sinks []sink
}

// sink is a bus consumer that must see every event published before the
// engine stopped.
type sink struct {
	name  string
	unsub func()
	done  chan struct{}
}

// Option tweaks NewApp. Used by tests.
type Option func(*options)

type options struct {
	clock   scheduler.Clock
	environ func() []string
}

func WithClock(c scheduler.Clock) Option { return func(o *options) { o.clock = c } }

func WithEnviron(fn func() []string) Option { return func(o *options) { o.environ = fn } }

// NewApp loads cfgPath and wires every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	if o.environ != nil {
		cfgm.SetEnviron(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, root: root, log: root.With(logx.Comp("app")), logs: logSvc, bus: eventbus.New()}
	if err := a.wire(cfg, o); err != nil {
		if a.deps != nil {
			_ = a.deps.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, o options) error {
	d, err := openDeps(cfg, a.root)
	if err != nil {
		return err
	}
	a.deps = d

	caCfg, err := mapCAConfig(cfg)
	if err != nil {
		return err
	}
	a.tasks = ca.New(d.store, d.cache, caCfg, a.root)

	rows, err := JobTable(cfg, a.tasks)
	if err != nil {
		return err
	}
	a.rows = rows

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, a.root.With(logx.Comp("taskengine")), a.bus)

	reg := scheduler.NewRegistry()
	if err := registerJobs(reg, rows, a.tasks, d.locker, a.root.With(logx.Comp("jobs"))); err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler(reg, a.engine, a.root.With(logx.Comp("scheduler")), a.bus)
	a.sched = scheduler.New(schedCfg, sched, o.clock, a.root.With(logx.Comp("trigger")))

	a.metrics = metrics.New(
		func() float64 { return float64(sched.InFlight()) },
		func() float64 { return float64(a.engine.Snapshot().QueueLen) },
	)

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return err
	}
	src := admin.Sources{
		Metrics: a.metrics.Handler(),
		Jobs:    func() any { return sched.Snapshot() },
		Health:  func() any { return a.Health() },
	}
	if d.store != nil {
		src.Runs = func(ctx context.Context, limit int) (any, error) { return d.store.RecentRuns(ctx, limit) }
	}
	a.admin = admin.New(adminCfg, src, a.root)

	a.nats, a.natsOn = mapNATSConfig(cfg)
	return nil
}

// Jobs returns the effective job table.
func (a *App) Jobs() []JobRow { return append([]JobRow(nil), a.rows...) }

func (a *App) Tasks() *ca.Tasks { return a.tasks }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched.Scheduler() }

func (a *App) Bus() eventbus.Bus { return a.bus }

// RunTask runs a CA task once, in the caller's goroutine, bypassing the schedule.
func (a *App) RunTask(ctx context.Context, name string, args ...string) error {
	start := time.Now()
	err := a.tasks.Run(ctx, name, args...)
	a.log.Info("task run", logx.String("task", name), logx.Strings("args", args), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Import registers a CA certificate and its private key path with the store.
func (a *App) Import(ctx context.Context, name string, certPEM []byte, keyPath string) (storage.Authority, error) {
	auth, err := a.tasks.Import(ctx, name, certPEM, keyPath)
	if err != nil {
		return storage.Authority{}, err
	}
	a.log.Info("authority imported", logx.String("name", auth.Name), logx.Serial(auth.Serial))
	return auth, nil
}

// Health is served on /healthz.
func (a *App) Health() map[string]any {
	h := map[string]any{
		"ticks":  a.sched.Ticks(),
		"jobs":   len(a.rows),
		"engine": a.engine.Snapshot(),
	}
	if a.sup != nil {
		h["supervisor"] = a.sup.Snapshot()
	}
	return h
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.Comp("config")))
	a.cfgm.SetValidator(a.validate)

	// Subscribers attach before anything can publish.
	if a.natsOn {
		fw, err := natspub.Dial(a.nats, a.root)
		if err != nil {
			a.sup.Cancel()
			return fmt.Errorf("nats: %w", err)
		}
		events, unsub := fw.Subscribe(a.bus)
		a.goSink("events.nats", unsub, func(c context.Context) error { return fw.Run(c, events) })
	}
	metricEvents, unsubMetrics := a.bus.Subscribe(256)
	a.goSink("metrics", unsubMetrics, func(c context.Context) error {
		a.metrics.Run(c, metricEvents)
		return nil
	})
	if a.deps.store != nil {
		runEvents, unsubRuns := a.bus.Subscribe(256)
		rl := newRunLogger(a.deps.store, a.rows, a.root.With(logx.Comp("runlog")))
		a.goSink("runlog", unsubRuns, func(c context.Context) error {
			rl.Run(c, runEvents)
			return nil
		})
	}

	// Engine before the trigger so the first tick has somewhere to dispatch.
	a.engine.Start(a.sup.Context())
	a.admin.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("jobs", len(a.rows)))
	return nil
}

func (a *App) goSink(name string, unsub func(), fn func(context.Context) error) {
	sk := sink{name: name, unsub: unsub, done: make(chan struct{})}
	a.sinks = append(a.sinks, sk)
	a.sup.Go(name, func(c context.Context) error {
		defer close(sk.done)
		defer unsub()
		return fn(c)
	})
}

// flushSinks closes every sink subscription and waits until each has
// consumed what was buffered.
func (a *App) flushSinks(ctx context.Context) error {
	for _, sk := range a.sinks {
		sk.unsub()
	}
	for _, sk := range a.sinks {
		select {
		case <-sk.done:
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", sk.name, ctx.Err())
		}
	}
	return nil
}

// warnInFlight logs jobs whose handlers outlived the stop budget.
func (a *App) warnInFlight() {
	var ids []string
	for _, j := range a.sched.Scheduler().Snapshot() {
		if j.InFlight {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) > 0 {
		a.log.Warn("closing storage and cache with jobs still running", logx.Strings("jobs", ids))
	}
}

// validate rejects a reloaded config that would not start.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := JobTable(cfg, a.tasks); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCAConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}

// reloadLoop applies logging changes live. Everything else is fixed at
// startup; changes are reported as needing a restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(mapLogConfig(newCfg))

			var restart []string
			for _, s := range sections {
				if s != "logging" {
					restart = append(restart, s)
				}
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			if len(restart) > 0 {
				a.log.Warn("config sections changed that apply on restart only", logx.Strings("sections", restart))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Trigger and dispatcher stop before the app context is canceled so
	// in-flight runs finish and queued runs drain.
	step("scheduler", 30*time.Second, a.sched.Stop)
	step("taskengine", 10*time.Second, a.engine.Stop)
	// Completion events are on the bus once the engine has drained.
	step("sinks", 5*time.Second, a.flushSinks)

	a.sup.Cancel()
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	a.warnInFlight()
	step("deps", 2*time.Second, func(context.Context) error { return a.close() })

	a.log.Info("stopped")
	return nil
}

func (a *App) close() error {
	var err error
	if a.deps != nil {
		err = a.deps.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
