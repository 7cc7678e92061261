package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cabeat/internal/eventbus"
	logx "cabeat/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			s.drain(ctx, queue)
			return
		case qt := <-queue:
			s.execOne(ctx, qt)
		}
	}
}

// drain runs whatever is still queued once Stop was requested.
func (s *Service) drain(ctx context.Context, queue chan queuedTask) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case qt := <-queue:
			s.execOne(ctx, qt)
		default:
			return
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})
	}

	atomic.AddInt32(&s.inFlight, 1)
	// Running tasks outlive engine shutdown; only their own timeout bounds them.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}
	atomic.AddInt32(&s.inFlight, -1)

	dur := time.Since(start)
	s.finish(qt, Result{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Err: err})
}

func (s *Service) finish(qt queuedTask, res Result) {
	item := HistoryItem{ID: res.ID, Name: res.Name, Started: res.Started, QueueDelay: res.QueueDelay, Duration: res.Duration}
	ev := TaskEvent{ID: res.ID, Name: res.Name, Started: res.Started, QueueDelay: res.QueueDelay, Duration: res.Duration}
	if res.Err != nil {
		item.Error = res.Err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", res.Name), logx.String("id", res.ID), logx.Err(res.Err), logx.Duration("dur", res.Duration))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
		}
	} else {
		if res.Duration >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", res.Name), logx.String("id", res.ID), logx.Duration("queue_delay", res.QueueDelay), logx.Duration("dur", res.Duration))
		} else {
			s.log.Debug("task.completed", logx.String("task", res.Name), logx.String("id", res.ID), logx.Duration("queue_delay", res.QueueDelay), logx.Duration("dur", res.Duration))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
		}
	}
	s.record(item)

	if qt.task.Done != nil {
		qt.task.Done(res)
	}
}
