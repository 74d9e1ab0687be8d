// Package cron submits recurring tasks declared in configuration. Each
// schedule is a standard 5-field cron expression plus the task content to
// enqueue when it fires.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-helm/internal/config"
	"github.com/basket/go-helm/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter enqueues tasks. *coordinator.Coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, content, surfaceKind string, maxRetries int) (*persistence.Task, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules []config.ScheduleConfig
	Submitter Submitter
	Logger    *slog.Logger
	// MaxRetries applies to every scheduled task.
	MaxRetries int
	// Interval is the tick resolution; defaults to 30 seconds.
	Interval time.Duration
}

type entry struct {
	name        string
	content     string
	surfaceKind string
	schedule    cronlib.Schedule
	next        time.Time
}

// Scheduler fires config-declared schedules by submitting tasks.
type Scheduler struct {
	submitter  Submitter
	logger     *slog.Logger
	interval   time.Duration
	maxRetries int

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses cfg.Schedules and returns a scheduler. Schedules
// with invalid cron expressions are logged and skipped.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")

	s := &Scheduler{
		submitter:  cfg.Submitter,
		logger:     logger,
		interval:   interval,
		maxRetries: cfg.MaxRetries,
	}
	now := time.Now()
	for _, sc := range cfg.Schedules {
		sched, err := cronParser.Parse(sc.Cron)
		if err != nil {
			logger.Error("invalid cron expression, schedule skipped",
				"schedule", sc.Name, "cron", sc.Cron, "error", err.Error())
			continue
		}
		s.entries = append(s.entries, &entry{
			name:        sc.Name,
			content:     sc.Content,
			surfaceKind: sc.SurfaceKind,
			schedule:    sched,
			next:        sched.Next(now),
		})
	}
	return s
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedules", len(s.entries), "interval", s.interval.String())
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every entry whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e)
		e.next = e.schedule.Next(now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	task, err := s.submitter.Submit(ctx, e.content, e.surfaceKind, s.maxRetries)
	if err != nil {
		s.logger.Error("schedule fire failed", "schedule", e.name, "error", err.Error())
		return
	}
	s.logger.Info("schedule fired", "schedule", e.name, "task_id", task.ID)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
