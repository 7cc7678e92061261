package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cabeat/internal/eventbus"
	"cabeat/internal/task/engine"
	logx "cabeat/pkg/logx"
)

// recordingEnqueuer accepts every task and leaves completion to the test.
type recordingEnqueuer struct {
	mu     sync.Mutex
	tasks  []engine.Task
	reject error
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		return r.reject
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recordingEnqueuer) setReject(err error) {
	r.mu.Lock()
	r.reject = err
	r.mu.Unlock()
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// finish runs the i-th task's handler and reports its result.
func (r *recordingEnqueuer) finish(i int) error {
	r.mu.Lock()
	t := r.tasks[i]
	r.mu.Unlock()
	start := time.Now()
	err := t.Run(context.Background())
	t.Done(engine.Result{ID: t.ID, Name: t.Name, Started: start, Duration: time.Since(start), Err: err})
	return err
}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func newTestScheduler(t *testing.T) (*Scheduler, *recordingEnqueuer) {
	t.Helper()
	exec := &recordingEnqueuer{}
	return NewScheduler(NewRegistry(), exec, logx.Nop(), nil), exec
}

func dispatched(rep TickReport, id string) bool {
	for _, d := range rep.Dispatched {
		if d == id {
			return true
		}
	}
	return false
}

func TestTickCacheCRLsScenario(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	if err := s.Registry().Register("cache-crls", 86100*time.Second, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}

	steps := []struct {
		at   int64
		want bool
	}{
		{0, true},
		{86099, false},
		{86100, true},
		{172199, false},
		{172200, true},
	}
	for _, st := range steps {
		rep := s.Tick(at(st.at))
		if got := dispatched(rep, "cache-crls"); got != st.want {
			t.Fatalf("tick at %d: dispatched = %v, want %v", st.at, got, st.want)
		}
		if st.want {
			if err := exec.finish(exec.count() - 1); err != nil {
				t.Fatalf("handler: %v", err)
			}
			next, ok := s.NextDue("cache-crls")
			if !ok || !next.Equal(at(st.at+86100)) {
				t.Fatalf("tick at %d: NextDue = %v, want %v", st.at, next, at(st.at+86100))
			}
		}
	}
	if exec.count() != 3 {
		t.Fatalf("dispatches = %d, want 3", exec.count())
	}
}

func TestTickDispatchesInRegistrationOrder(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	for _, id := range []string{"b", "a", "c"} {
		_ = s.Registry().Register(id, time.Minute, noop)
	}
	rep := s.Tick(at(0))
	want := []string{"b", "a", "c"}
	for i, id := range want {
		if rep.Dispatched[i] != id || exec.tasks[i].Name != id {
			t.Fatalf("dispatch %d = %s, want %s", i, rep.Dispatched[i], id)
		}
	}
}

func TestTickSkipsInFlightJob(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	_ = s.Registry().Register("generate-ocsp-keys", 10*time.Second, noop)

	s.Tick(at(0))
	rep := s.Tick(at(10))
	if len(rep.Dispatched) != 0 {
		t.Fatalf("in-flight job re-dispatched: %v", rep.Dispatched)
	}
	if len(rep.Overruns) != 1 || rep.Overruns[0].ID != "generate-ocsp-keys" || rep.Overruns[0].RunningFor != 10*time.Second {
		t.Fatalf("unexpected overruns: %+v", rep.Overruns)
	}
	if exec.count() != 1 {
		t.Fatalf("skipped run was queued: %d tasks", exec.count())
	}

	_ = exec.finish(0)
	rep = s.Tick(at(11))
	if !dispatched(rep, "generate-ocsp-keys") {
		t.Fatal("job not dispatched after previous run finished")
	}
	info := s.Snapshot()[0]
	if info.Overruns != 1 || info.Runs != 1 || !info.InFlight {
		t.Fatalf("unexpected snapshot: %+v", info)
	}
}

func TestFailingJobStaysScheduledAndIsolated(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	exec := &recordingEnqueuer{}
	s := NewScheduler(NewRegistry(), exec, logx.Nop(), bus)
	boom := errors.New("ca key unreadable")
	_ = s.Registry().Register("broken", 60*time.Second, func(ctx context.Context) error { return boom })
	_ = s.Registry().Register("healthy", 60*time.Second, noop)

	for i, now := range []int64{0, 60, 120} {
		rep := s.Tick(at(now))
		if !dispatched(rep, "broken") || !dispatched(rep, "healthy") {
			t.Fatalf("tick %d: dispatched = %v", i, rep.Dispatched)
		}
		n := exec.count()
		if err := exec.finish(n - 2); !errors.Is(err, boom) {
			t.Fatalf("broken handler returned %v", err)
		}
		if err := exec.finish(n - 1); err != nil {
			t.Fatalf("healthy handler returned %v", err)
		}
	}

	var failed, finished int
	for drained := false; !drained; {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.JobFailed:
				ev := e.Data.(JobEvent)
				if ev.ID != "broken" || ev.Error != boom.Error() {
					t.Fatalf("unexpected failure event: %+v", ev)
				}
				failed++
			case eventbus.JobFinished:
				finished++
			}
		default:
			drained = true
		}
	}
	if failed != 3 || finished != 3 {
		t.Fatalf("failed = %d, finished = %d, want 3/3", failed, finished)
	}
	for _, info := range s.Snapshot() {
		if info.ID == "broken" && (info.Failures != 3 || info.LastError == "") {
			t.Fatalf("broken snapshot: %+v", info)
		}
		if info.ID == "healthy" && info.Failures != 0 {
			t.Fatalf("healthy snapshot: %+v", info)
		}
	}
}

func TestRejectedDispatchRetriesNextTick(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	_ = s.Registry().Register("cache-crls", time.Hour, noop)

	exec.setReject(engine.ErrQueueFull)
	rep := s.Tick(at(0))
	if len(rep.Rejected) != 1 || !errors.Is(rep.Rejected[0].Err, engine.ErrQueueFull) {
		t.Fatalf("unexpected rejected: %+v", rep.Rejected)
	}
	if next, _ := s.NextDue("cache-crls"); !next.IsZero() {
		t.Fatalf("last_run not restored, next due %v", next)
	}
	if s.InFlight() != 0 {
		t.Fatal("in-flight marker not released")
	}

	exec.setReject(nil)
	if rep := s.Tick(at(1)); !dispatched(rep, "cache-crls") {
		t.Fatal("job not retried on next tick")
	}
}

func TestClockBackwardsIsNotDue(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	_ = s.Registry().Register("cache-crls", 100*time.Second, noop)
	s.Tick(at(1000))
	_ = exec.finish(0)

	if rep := s.Tick(at(500)); len(rep.Dispatched) != 0 {
		t.Fatal("dispatched after clock went backwards")
	}
	if rep := s.Tick(at(1100)); !dispatched(rep, "cache-crls") {
		t.Fatal("not dispatched once clock caught up")
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	t.Parallel()
	s, exec := newTestScheduler(t)
	_ = s.Registry().Register("cache-crls", time.Second, noop)
	s.Tick(at(0))

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Shutdown returned with a run in flight")
	case <-time.After(20 * time.Millisecond):
	}

	_ = exec.finish(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after run finished")
	}

	if rep := s.Tick(at(10)); len(rep.Dispatched) != 0 {
		t.Fatal("dispatched after shutdown")
	}
}

func TestShutdownDeadline(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	_ = s.Registry().Register("stuck", time.Second, noop)
	s.Tick(at(0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMutualExclusionUnderConcurrentTicks(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4, QueueSize: 64}, logx.Nop(), nil)
	eng.Start(context.Background())

	var running, maxRunning, runs atomic.Int32
	h := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		runs.Add(1)
		return nil
	}

	s := NewScheduler(NewRegistry(), eng, logx.Nop(), nil)
	_ = s.Registry().Register("hot", time.Nanosecond, h)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Tick(time.Now())
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("engine Stop: %v", err)
	}
	if got := maxRunning.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

// syncInlineEnqueuer runs each task to completion inside Enqueue.
type syncInlineEnqueuer struct{}

func (syncInlineEnqueuer) Enqueue(t engine.Task) error {
	start := time.Now()
	err := t.Run(context.Background())
	t.Done(engine.Result{ID: t.ID, Name: t.Name, Started: start, Duration: time.Since(start), Err: err})
	return nil
}

func TestDispatchGapBoundedByIntervalPlusTick(t *testing.T) {
	t.Parallel()
	cases := []struct {
		interval, tick int64
	}{
		{100, 7},
		{86100, 60},
		{10, 3},
		{5, 4},
		{60, 1},
	}
	for _, c := range cases {
		s := NewScheduler(NewRegistry(), syncInlineEnqueuer{}, logx.Nop(), nil)
		fail := func(context.Context) error { return errors.New("store unreachable") }
		if err := s.Registry().Register("job", time.Duration(c.interval)*time.Second, fail); err != nil {
			t.Fatalf("Register: %v", err)
		}

		end := 20 * c.interval
		var runs []int64
		for now := int64(0); now <= end; now += c.tick {
			if dispatched(s.Tick(at(now)), "job") {
				runs = append(runs, now)
			}
		}

		if len(runs) == 0 || runs[0] != 0 {
			t.Fatalf("I=%d g=%d: first run = %v, want 0", c.interval, c.tick, runs)
		}
		for i := 1; i < len(runs); i++ {
			gap := runs[i] - runs[i-1]
			if gap < c.interval || gap > c.interval+c.tick {
				t.Fatalf("I=%d g=%d: gap %d between runs at %d and %d outside [I, I+g]", c.interval, c.tick, gap, runs[i-1], runs[i])
			}
		}
		if last := runs[len(runs)-1]; end-last > c.interval+c.tick {
			t.Fatalf("I=%d g=%d: no run in the final window (last %d, end %d)", c.interval, c.tick, last, end)
		}

		info := s.Snapshot()[0]
		if info.Failures != uint64(len(runs)) || info.InFlight {
			t.Fatalf("I=%d g=%d: snapshot %+v, want %d failures and idle", c.interval, c.tick, info, len(runs))
		}
	}
}
