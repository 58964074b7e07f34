// Package cron runs named maintenance jobs on cron schedules persisted in the
// store, so next-run times survive daemon restarts.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/grace/internal/persistence"
)

// cronParser parses 5-field expressions and descriptors like "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one maintenance task.
type Job func(ctx context.Context) error

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and runs the
// registered job for each one.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		jobs:     make(map[string]Job),
	}
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Register persists a schedule for name and binds job to it. An existing
// schedule with the same expression keeps its next run time.
func (s *Scheduler) Register(ctx context.Context, name, expr string, job Job) error {
	next, err := NextRunTime(expr, time.Now())
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", name, expr, err)
	}
	if err := s.store.UpsertSchedule(ctx, persistence.Schedule{
		Name:      name,
		Job:       name,
		CronExpr:  expr,
		Enabled:   true,
		NextRunAt: &next,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every due job once and returns how many ran successfully.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return 0
	}
	ran := 0
	for _, sched := range due {
		if s.fire(ctx, sched, now) {
			ran++
		}
	}
	return ran
}

// fire runs the job for sched and advances its run timestamps. A schedule
// with no bound job is advanced without running.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) bool {
	s.mu.Lock()
	job := s.jobs[sched.Job]
	s.mu.Unlock()

	ok := false
	switch {
	case job == nil:
		s.logger.Warn("cron: no job registered for schedule", "schedule_name", sched.Name, "job", sched.Job)
	default:
		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error("cron: job failed", "schedule_name", sched.Name, "error", err)
		} else {
			ok = true
			s.logger.Info("cron: job ran", "schedule_name", sched.Name, "duration", time.Since(start))
		}
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return ok
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
	}
	return ok
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
