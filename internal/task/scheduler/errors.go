package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateJob    = errors.New("duplicate job")
	ErrInvalidInterval = errors.New("invalid interval")
)

// DuplicateJobError is returned when a job id is registered twice.
type DuplicateJobError struct {
	ID string
}

func (e *DuplicateJobError) Error() string { return fmt.Sprintf("job %q already registered", e.ID) }
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicateJob
}

// InvalidIntervalError is returned for non-positive intervals.
type InvalidIntervalError struct {
	ID       string
	Interval time.Duration
}

func (e *InvalidIntervalError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("interval must be > 0, got %s", e.Interval)
	}
	return fmt.Sprintf("job %q: interval must be > 0, got %s", e.ID, e.Interval)
}
func (e *InvalidIntervalError) Is(target error) bool {
	return target == ErrInvalidInterval
}

// JobExecutionError wraps a handler failure. It never affects other jobs.
type JobExecutionError struct {
	ID    string
	RunID string
	Cause error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %q failed: %v", e.ID, e.Cause)
}
func (e *JobExecutionError) Unwrap() error { return e.Cause }

// OverrunWarning reports a due job that was skipped because its previous run
// is still in flight.
type OverrunWarning struct {
	ID         string
	RunningFor time.Duration
}

func (w OverrunWarning) Error() string {
	return fmt.Sprintf("job %q still running after %s, skipped", w.ID, w.RunningFor)
}
