package scheduler

import "time"

// JobInfo is the externally visible state of one job.
type JobInfo struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// LastRun and NextDue are zero until the first dispatch.
	LastRun time.Time `json:"last_run,omitempty"`
	NextDue time.Time `json:"next_due,omitempty"`

	InFlight     bool          `json:"in_flight"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Overruns     uint64        `json:"overruns"`
	Rejected     uint64        `json:"rejected"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

// Snapshot returns job state in registration order.
func (s *Scheduler) Snapshot() []JobInfo {
	jobs := s.reg.List()
	out := make([]JobInfo, 0, len(jobs))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		it := JobInfo{ID: j.ID, Interval: j.Interval, Timeout: j.Timeout}
		if st := s.state[j.ID]; st != nil {
			if st.hasRun {
				it.LastRun = st.lastRun
				it.NextDue = st.lastRun.Add(j.Interval)
			}
			it.InFlight = st.inFlight
			it.Runs = st.runs
			it.Failures = st.failures
			it.Overruns = st.overruns
			it.Rejected = st.rejected
			it.LastError = st.lastErr
			it.LastDuration = st.lastDuration
		}
		out = append(out, it)
	}
	return out
}

// NextDue returns last_run + interval. A zero time means the job is due on
// the next tick. ok is false for unknown jobs.
func (s *Scheduler) NextDue(id string) (next time.Time, ok bool) {
	j, ok := s.reg.Get(id)
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state[id]; st != nil && st.hasRun {
		return st.lastRun.Add(j.Interval), true
	}
	return time.Time{}, true
}

// InFlight returns the number of runs dispatched and not yet finished.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.state {
		if st.inFlight {
			n++
		}
	}
	return n
}
