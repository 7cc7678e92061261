// Package scheduler owns the recurring job table and decides, per tick, which
// jobs are due.
//
// The scheduler is responsible only for:
//   - registering jobs (Registry)
//   - tracking last_run / in-flight state per job (Scheduler)
//   - enqueueing due runs into the task engine
//   - firing ticks at a fixed granularity (Service, robfig/cron)
//
// Execution happens in internal/task/engine.
package scheduler
