package scheduler

import (
	"context"
	"sync"
	"time"

	"cabeat/internal/eventbus"
	"cabeat/internal/task/engine"
	logx "cabeat/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultWarnEvery = time.Minute

// Enqueuer accepts runs without blocking. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id,omitempty"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration,omitempty"`
	RunningFor time.Duration `json:"running_for,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// RejectedRun is a due run the engine refused to accept.
type RejectedRun struct {
	ID  string
	Err error
}

// TickReport summarizes what a single Tick did.
type TickReport struct {
	At         time.Time
	Dispatched []string
	Overruns   []OverrunWarning
	Rejected   []RejectedRun
}

type jobState struct {
	lastRun  time.Time
	hasRun   bool
	inFlight bool
	runID    string

	runs     uint64
	failures uint64
	overruns uint64
	rejected uint64

	lastErr      string
	lastDuration time.Duration

	warn *rate.Limiter
}

// Scheduler tracks last_run and in-flight state for every registered job and
// dispatches due runs. Several independent schedulers may coexist.
type Scheduler struct {
	reg  *Registry
	exec Enqueuer
	log  logx.Logger
	bus  eventbus.Publisher

	warnEvery time.Duration

	// tickMu serializes ticks and shutdown: one ticking authority.
	tickMu sync.Mutex

	mu      sync.Mutex
	state   map[string]*jobState
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(reg *Registry, exec Enqueuer, log logx.Logger, bus eventbus.Publisher) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Scheduler{
		reg:       reg,
		exec:      exec,
		log:       log,
		bus:       bus,
		warnEvery: defaultWarnEvery,
		state:     map[string]*jobState{},
	}
}

// SetWarnInterval sets how often overrun and rejection warnings are logged per job.
func (s *Scheduler) SetWarnInterval(d time.Duration) {
	if d <= 0 {
		d = defaultWarnEvery
	}
	s.mu.Lock()
	s.warnEvery = d
	for _, st := range s.state {
		st.warn.SetLimit(rate.Every(d))
	}
	s.mu.Unlock()
}

func (s *Scheduler) Registry() *Registry { return s.reg }

func (s *Scheduler) stateLocked(id string) *jobState {
	st := s.state[id]
	if st == nil {
		st = &jobState{warn: rate.NewLimiter(rate.Every(s.warnEvery), 1)}
		s.state[id] = st
	}
	return st
}

// Tick dispatches every job that is due at now, in registration order.
//
// A job is due when it never ran or now-last_run >= interval. last_run is set
// to now at dispatch. A due job that is still in flight is skipped and
// reported as an OverrunWarning. Tick never blocks on handler execution.
func (s *Scheduler) Tick(now time.Time) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	rep := TickReport{At: now}

	type pending struct {
		job    Job
		runID  string
		prev   time.Time
		hadRun bool
	}
	var due []pending

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return rep
	}
	for _, j := range s.reg.List() {
		st := s.stateLocked(j.ID)
		// A clock that went backwards yields a negative elapsed time: not due.
		if st.hasRun && now.Sub(st.lastRun) < j.Interval {
			continue
		}
		if st.inFlight {
			st.overruns++
			rep.Overruns = append(rep.Overruns, OverrunWarning{ID: j.ID, RunningFor: now.Sub(st.lastRun)})
			continue
		}
		p := pending{job: j, runID: uuid.NewString(), prev: st.lastRun, hadRun: st.hasRun}
		st.inFlight = true
		st.runID = p.runID
		st.lastRun = now
		st.hasRun = true
		s.wg.Add(1)
		due = append(due, p)
	}
	s.mu.Unlock()

	for _, w := range rep.Overruns {
		s.reportOverrun(now, w)
	}

	for _, p := range due {
		id, runID := p.job.ID, p.runID
		err := s.exec.Enqueue(engine.Task{
			ID:      runID,
			Name:    id,
			Timeout: p.job.Timeout,
			Run:     p.job.Handler,
			Done:    func(res engine.Result) { s.complete(id, runID, res) },
		})
		if err != nil {
			s.mu.Lock()
			st := s.state[id]
			if st.runID == runID {
				st.inFlight = false
				st.runID = ""
				st.lastRun = p.prev
				st.hasRun = p.hadRun
			}
			st.rejected++
			s.mu.Unlock()
			s.wg.Done()

			rep.Rejected = append(rep.Rejected, RejectedRun{ID: id, Err: err})
			s.reportRejected(now, id, err)
			continue
		}

		rep.Dispatched = append(rep.Dispatched, id)
		s.log.Debug("job dispatched", logx.String("job", id), logx.String("run_id", runID), logx.Time("at", now))
		s.publish(eventbus.JobDispatched, JobEvent{ID: id, RunID: runID, At: now})
	}
	return rep
}

func (s *Scheduler) complete(id, runID string, res engine.Result) {
	s.mu.Lock()
	st := s.stateLocked(id)
	if st.runID == runID {
		st.inFlight = false
		st.runID = ""
	}
	st.runs++
	st.lastDuration = res.Duration
	if res.Err != nil {
		st.failures++
		st.lastErr = res.Err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()
	defer s.wg.Done()

	at := res.Started.Add(res.Duration)
	if res.Err != nil {
		jerr := &JobExecutionError{ID: id, RunID: runID, Cause: res.Err}
		s.log.Error("job failed", logx.String("job", id), logx.String("run_id", runID), logx.Duration("dur", res.Duration), logx.Err(jerr))
		s.publish(eventbus.JobFailed, JobEvent{ID: id, RunID: runID, At: at, Duration: res.Duration, Error: res.Err.Error()})
		return
	}
	s.log.Debug("job finished", logx.String("job", id), logx.String("run_id", runID), logx.Duration("dur", res.Duration))
	s.publish(eventbus.JobFinished, JobEvent{ID: id, RunID: runID, At: at, Duration: res.Duration})
}

// Shutdown stops all future dispatches and waits for in-flight runs to
// finish or for ctx to expire. In-flight runs are never canceled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.tickMu.Lock()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.tickMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("shutdown timed out with runs in flight", logx.Int("in_flight", s.InFlight()))
		return ctx.Err()
	}
}

func (s *Scheduler) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
