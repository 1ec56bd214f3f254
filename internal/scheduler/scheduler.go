package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/stagepass/lifecycle/internal/platform/metrics"
)

// Task is one invocation of a periodic job.
type Task func(ctx context.Context) error

// Scheduler invokes a task on a fixed interval until its context ends.
// Runs never overlap: a slow run delays the next tick instead of racing it.
type Scheduler struct {
	name     string
	task     Task
	interval time.Duration
	logger   *slog.Logger
}

func New(name string, task Task, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		task:     task,
		interval: interval,
		logger:   logger.With("job", name),
	}
}

// Start runs the task once immediately, then on every tick. It returns nil
// when ctx is cancelled so it composes with errgroup.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	started := time.Now()
	err := s.task(runCtx)
	metrics.JobDuration.ObserveSince(started, s.name)
	if err != nil {
		metrics.JobRuns.WithLabelValues(s.name, "error").Inc()
		s.logger.Error("scheduled run failed", "error", err, "duration", time.Since(started))
		return
	}
	metrics.JobRuns.WithLabelValues(s.name, "ok").Inc()
	s.logger.Debug("scheduled run finished", "duration", time.Since(started))
}
