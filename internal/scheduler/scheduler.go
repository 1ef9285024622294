// Package scheduler runs the pipeline jobs periodically inside `serve`.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"amedas-climate/pkg/logging"
)

// Job is one named step of a scheduled cycle.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config selects when a cycle fires. Cron takes precedence over Interval.
type Config struct {
	Interval time.Duration
	Cron     string
	Location *time.Location
	Timeout  time.Duration
}

// Scheduler executes its jobs in order, one cycle at a time. A cycle that is
// still running when the next one is due is not overlapped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config
	jobs      []Job
	logger    *logging.StructuredLogger
}

// New creates a scheduler for jobs.
func New(cfg Config, jobs []Job, logger *logging.StructuredLogger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := gocron.NewScheduler(cfg.Location)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		cfg:       cfg,
		jobs:      jobs,
		logger:    logger,
	}
}

// Start schedules the cycle and starts the underlying scheduler. Cycles run
// with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.jobs) == 0 {
		s.logger.Warn(ctx, "[SCHEDULER_EMPTY] No jobs configured; nothing to schedule", logging.Fields{})
		return nil
	}

	var sched *gocron.Scheduler
	switch {
	case s.cfg.Cron != "":
		sched = s.scheduler.Cron(s.cfg.Cron)
	case s.cfg.Interval > 0:
		sched = s.scheduler.Every(s.cfg.Interval)
	default:
		return fmt.Errorf("scheduler needs an interval or a cron expression")
	}

	if _, err := sched.Do(func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cycle: %w", err)
	}

	s.scheduler.StartAsync()
	s.logger.Info(ctx, "[SCHEDULER_STARTED] Scheduler started", logging.Fields{
		"interval": s.cfg.Interval.String(),
		"cron":     s.cfg.Cron,
		"jobs":     len(s.jobs),
	})
	return nil
}

// RunOnce executes every job in order. A failing job is logged and the next
// one still runs.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	failed := 0
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			s.logger.Warn(ctx, "[SCHEDULER_CYCLE_ABORTED] Cycle stopped before job", logging.Fields{
				"job": job.Name,
			})
			return failed + 1
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			failed++
			s.logger.Error(ctx, "[SCHEDULER_JOB_FAILED] Job failed", logging.Fields{
				"job":         job.Name,
				"duration_ms": time.Since(start).Milliseconds(),
			}, err)
			continue
		}
		s.logger.Info(ctx, "[SCHEDULER_JOB_DONE] Job completed", logging.Fields{
			"job":         job.Name,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return failed
}

// Stop stops the scheduler and cancels any future cycles.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
