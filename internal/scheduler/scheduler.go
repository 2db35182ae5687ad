// Package scheduler ticks the loop's evaluation cycle on a fixed interval
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs registered jobs on cron schedules. A job still running
// when its next tick arrives is skipped so cycles never overlap.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger
}

// New creates a scheduler. Jobs receive ctx.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		logger: logger,
	}
}

// Every registers job to run once per interval
func (s *Scheduler) Every(interval time.Duration, name string, job func(context.Context)) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	return s.Add(fmt.Sprintf("@every %s", interval), name, job)
}

// Add registers job on a cron spec
func (s *Scheduler) Add(spec, name string, job func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		job(s.ctx)
		s.logger.Debug("job finished", "job", name, "took", time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.logger.Info("job registered", "job", name, "schedule", spec)
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
