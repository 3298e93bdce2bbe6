// Package jobs runs the scheduled maintenance work: stale-position closes,
// ledger retry replay, and history archival.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs registered jobs on cron schedules. Each invocation gets a
// bounded context so a stuck job cannot pile up behind itself.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Add registers a job under the given cron expression.
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed",
				slog.String("job", job.Name()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Info("job complete",
			slog.String("job", job.Name()),
			slog.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("jobs: schedule %s (%q): %w", job.Name(), spec, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}
