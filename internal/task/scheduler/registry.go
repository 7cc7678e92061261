package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Handler performs one run of a job. Its error is reported, never retried early.
type Handler func(ctx context.Context) error

// Job is a registered recurring job.
type Job struct {
	ID       string
	Interval time.Duration
	// Timeout bounds a single run. 0 falls back to the engine default.
	Timeout time.Duration
	Handler Handler
}

// Registry holds jobs in registration order. Jobs are never removed.
type Registry struct {
	mu   sync.RWMutex
	jobs []Job
	idx  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{idx: map[string]int{}}
}

// Register adds a job with the given interval.
func (r *Registry) Register(id string, interval time.Duration, h Handler) error {
	return r.RegisterJob(Job{ID: id, Interval: interval, Handler: h})
}

func (r *Registry) RegisterJob(j Job) error {
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		return errors.New("job id required")
	}
	if j.Handler == nil {
		return errors.New("job handler required")
	}
	if j.Interval <= 0 {
		return &InvalidIntervalError{ID: j.ID, Interval: j.Interval}
	}
	if j.Timeout < 0 {
		j.Timeout = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.idx[j.ID]; ok {
		return &DuplicateJobError{ID: j.ID}
	}
	r.idx[j.ID] = len(r.jobs)
	r.jobs = append(r.jobs, j)
	return nil
}

// List returns a copy of every job in registration order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	r.mu.RUnlock()
	return out
}

func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.idx[id]
	if !ok {
		return Job{}, false
	}
	return r.jobs[i], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
