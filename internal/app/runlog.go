package app

import (
	"context"
	"os"
	"time"

	"cabeat/internal/eventbus"
	"cabeat/internal/storage"
	"cabeat/internal/task/scheduler"
	logx "cabeat/pkg/logx"
)

// runLogger appends finished job runs to the store's audit log.
type runLogger struct {
	store storage.Store
	tasks map[string]string // job id -> task
	host  string
	log   logx.Logger
}

func newRunLogger(store storage.Store, rows []JobRow, log logx.Logger) *runLogger {
	host, _ := os.Hostname()
	tasks := make(map[string]string, len(rows))
	for _, r := range rows {
		tasks[r.ID] = r.Task
	}
	return &runLogger{store: store, tasks: tasks, host: host, log: log}
}

func (r *runLogger) record(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.JobFinished && e.Type != eventbus.JobFailed {
		return
	}
	ev, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	rec := storage.RunRecord{
		RunID:    ev.RunID,
		Job:      ev.ID,
		Task:     r.tasks[ev.ID],
		Started:  ev.At.Add(-ev.Duration),
		Duration: ev.Duration,
		Error:    ev.Error,
		Host:     r.host,
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.log.Warn("run record append failed", logx.String("job", ev.ID), logx.Err(err))
	}
}

// Run consumes events until ctx is done or the channel closes.
func (r *runLogger) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.record(context.WithoutCancel(ctx), e)
		}
	}
}
