// Package cron runs the retention sweep: terminal tasks older than the
// configured number of days are deleted on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/caminholabs/orienta/internal/bus"
	"github.com/caminholabs/orienta/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Days     int           // retention window; defaults to 7 if zero
	Schedule string        // cron expression; defaults to "0 3 * * *"
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks whether the retention schedule is due and
// runs the cleanup when it is.
type Scheduler struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	days     int
	schedule cronlib.Schedule
	interval time.Duration

	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. It fails only on
// an unparseable cron expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	days := cfg.Days
	if days <= 0 {
		days = 7
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
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
		bus:      cfg.Bus,
		logger:   logger,
		days:     days,
		schedule: schedule,
		interval: interval,
		nextRun:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started",
		"days", s.days, "next_run_at", s.nextRun, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs the sweep when the schedule's next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if now.Before(s.nextRun) {
		return
	}
	s.nextRun = s.schedule.Next(now)
	s.Sweep(ctx)
}

// Sweep deletes terminal tasks older than the retention window and
// publishes the removed count. Exposed so operators can trigger it
// outside the schedule.
func (s *Scheduler) Sweep(ctx context.Context) {
	removed, err := s.store.CleanupTerminalTasks(ctx, s.days)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep completed", "removed", removed, "days", s.days)
	if s.bus != nil {
		s.bus.Publish(bus.TopicRetentionCompleted, bus.RetentionCompletedEvent{Removed: removed})
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
