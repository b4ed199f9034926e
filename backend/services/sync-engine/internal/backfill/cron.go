package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Cron runs SyncAll on an interval, one cohort per run in round-robin order.
type Cron struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	next      int
	scheduler gocron.Scheduler
}

// NewCron builds a stopped schedule.
func NewCron(svc *Service, interval time.Duration, logger *zap.Logger) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cron{svc: svc, interval: interval, logger: logger}
}

// Start schedules the job. Runs never overlap; a run still in progress when
// the next is due pushes that one back.
func (c *Cron) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("backfill: create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() { c.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("backfill: create job: %w", err)
	}
	s.Start()

	c.mu.Lock()
	c.scheduler = s
	c.mu.Unlock()
	c.logger.Info("backfill schedule started",
		zap.Duration("interval", c.interval),
		zap.Int("cohorts", c.svc.Cohorts()),
	)
	return nil
}

// Stop shuts the scheduler down and waits for a running job.
func (c *Cron) Stop() error {
	c.mu.Lock()
	s := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("backfill: shutdown scheduler: %w", err)
	}
	return nil
}

// RunOnce backfills the next cohort.
func (c *Cron) RunOnce(ctx context.Context) []Result {
	c.mu.Lock()
	cohort := c.next
	c.next = (c.next + 1) % c.svc.Cohorts()
	c.mu.Unlock()

	results := c.svc.SyncAll(ctx, cohort)
	samples := 0
	for _, r := range results {
		samples += r.Samples
	}
	c.logger.Info("scheduled backfill finished",
		zap.Int("cohort", cohort),
		zap.Int("devices", len(results)),
		zap.Int("samples", samples),
	)
	return results
}
