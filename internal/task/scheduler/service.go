package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "cabeat/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Enabled bool
	// Tick is the trigger granularity. cron.Every rounds it down to whole
	// seconds; anything under a second becomes one second.
	Tick time.Duration
	// WarnEvery throttles overrun/rejection log lines per job.
	WarnEvery time.Duration
}

// Clock supplies now to every tick.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now, whose monotonic reading keeps elapsed-time
// comparisons immune to wall-clock jumps.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Service fires Scheduler.Tick at a fixed granularity, independent of job
// outcomes.
type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	clock Clock
	sched *Scheduler

	c     *cron.Cron
	ticks atomic.Uint64
}

func New(cfg Config, sched *Scheduler, clock Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.Tick < time.Second {
		cfg.Tick = time.Second
	}
	sched.SetWarnInterval(cfg.WarnEvery)
	return &Service{cfg: cfg, log: log, clock: clock, sched: sched}
}

func (s *Service) Scheduler() *Scheduler { return s.sched }

// Ticks returns how many ticks fired since Start.
func (s *Service) Ticks() uint64 { return s.ticks.Load() }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering. The first tick happens immediately so jobs that
// never ran fire at startup.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.c.Schedule(cron.Every(s.cfg.Tick), cron.FuncJob(s.tick))

	s.tick()
	s.c.Start()
	s.log.Info("service started", logx.Duration("tick", s.cfg.Tick), logx.Int("jobs", s.sched.Registry().Len()))
}

func (s *Service) tick() {
	s.ticks.Add(1)
	s.sched.Tick(s.clock.Now())
}

// Stop halts the trigger, then stops dispatching and waits for in-flight runs.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	err := s.sched.Shutdown(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// cronLogger routes robfig/cron logs into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
