package scheduler

import (
	"time"

	"cabeat/internal/eventbus"
	logx "cabeat/pkg/logx"
)

// Overruns and rejections are always counted and published; only the log
// line is rate limited per job.

func (s *Scheduler) allowWarn(id string) bool {
	s.mu.Lock()
	st := s.stateLocked(id)
	lim := st.warn
	s.mu.Unlock()
	return lim.Allow()
}

func (s *Scheduler) reportOverrun(now time.Time, w OverrunWarning) {
	s.publish(eventbus.JobOverrun, JobEvent{ID: w.ID, At: now, RunningFor: w.RunningFor})
	if !s.allowWarn(w.ID) {
		return
	}
	s.log.Warn("job overrun: previous run still in flight, skipped", logx.String("job", w.ID), logx.Duration("running_for", w.RunningFor))
}

func (s *Scheduler) reportRejected(now time.Time, id string, err error) {
	s.publish(eventbus.JobRejected, JobEvent{ID: id, At: now, Error: err.Error()})
	if !s.allowWarn(id) {
		return
	}
	s.log.Warn("job dispatch rejected, retrying next tick", logx.String("job", id), logx.Err(err))
}
