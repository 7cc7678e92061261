// Package metrics turns scheduler and engine events into Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cabeat/internal/eventbus"
	"cabeat/internal/task/engine"
	"cabeat/internal/task/scheduler"
)

const namespace = "cabeat"

// Collector owns a private registry so several instances (tests) never clash.
type Collector struct {
	reg *prometheus.Registry

	dispatched *prometheus.CounterVec
	finished   *prometheus.CounterVec
	failed     *prometheus.CounterVec
	overruns   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lastRun    *prometheus.GaugeVec
	queueDelay prometheus.Histogram
}

// New builds the collector. inFlight and queueLen are sampled at scrape
// time; either may be nil.
func New(inFlight, queueLen func() float64) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "job", Name: "dispatched_total",
			Help: "Job runs handed to the task engine.",
		}, []string{"job"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "job", Name: "finished_total",
			Help: "Job runs that completed without error.",
		}, []string{"job"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "job", Name: "failed_total",
			Help: "Job runs whose handler returned an error or panicked.",
		}, []string{"job"}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "job", Name: "overruns_total",
			Help: "Due ticks skipped because the previous run was still in flight.",
		}, []string{"job"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "job", Name: "rejected_total",
			Help: "Dispatches refused by the task engine.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "job", Name: "duration_seconds",
			Help:    "Job run duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "job", Name: "last_run_timestamp_seconds",
			Help: "Unix time of the last dispatch.",
		}, []string{"job"}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "queue_delay_seconds",
			Help:    "Time tasks spent queued before a worker picked them up.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	c.reg.MustRegister(
		c.dispatched, c.finished, c.failed, c.overruns, c.rejected, c.duration, c.lastRun, c.queueDelay,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if inFlight != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "job", Name: "in_flight",
			Help: "Jobs currently running.",
		}, inFlight))
	}
	if queueLen != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "queue_length",
			Help: "Tasks waiting in the engine queue.",
		}, queueLen))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe updates metrics from a single bus event. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch ev := e.Data.(type) {
	case scheduler.JobEvent:
		switch e.Type {
		case eventbus.JobDispatched:
			c.dispatched.WithLabelValues(ev.ID).Inc()
			c.lastRun.WithLabelValues(ev.ID).Set(float64(ev.At.UnixMilli()) / 1000)
		case eventbus.JobFinished:
			c.finished.WithLabelValues(ev.ID).Inc()
			c.duration.WithLabelValues(ev.ID).Observe(ev.Duration.Seconds())
		case eventbus.JobFailed:
			c.failed.WithLabelValues(ev.ID).Inc()
			c.duration.WithLabelValues(ev.ID).Observe(ev.Duration.Seconds())
		case eventbus.JobOverrun:
			c.overruns.WithLabelValues(ev.ID).Inc()
		case eventbus.JobRejected:
			c.rejected.WithLabelValues(ev.ID).Inc()
		}
	case engine.TaskEvent:
		if e.Type == eventbus.TaskStarted {
			c.queueDelay.Observe(ev.QueueDelay.Seconds())
		}
	}
}

// Run consumes events until ctx is done or the channel closes.
func (c *Collector) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}
