package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fleetsync/backend/services/sync-engine/internal/models"
	"fleetsync/backend/services/sync-engine/internal/pool"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultPollTimeout   = 10 * time.Second
	DefaultMaxConcurrent = 10
	DefaultEMAWeight     = 0.9
)

var ErrAlreadyStarted = errors.New("scheduler: already started")

// Devices is the pool surface the scheduler polls.
type Devices interface {
	Devices() []pool.Handle
	Reconnect(ctx context.Context, id string) error
}

// Sink receives successful poll results.
type Sink interface {
	Enqueue(m models.Measurement)
	EnqueueSnapshot(s models.DeviceSnapshot)
}

// Options tune a Scheduler. Zero values fall back to defaults.
type Options struct {
	Interval      time.Duration
	PollTimeout   time.Duration
	MaxConcurrent int
	EMAWeight     float64
	Logger        *zap.Logger
}

// Stats are the scheduler counters. TotalPolls counts every device visited
// on a tick, whether the poll was admitted, skipped or failed outright.
type Stats struct {
	TotalPolls            uint64    `json:"total_polls"`
	SuccessfulPolls       uint64    `json:"successful_polls"`
	FailedPolls           uint64    `json:"failed_polls"`
	SkippedPolls          uint64    `json:"skipped_polls"`
	ActivePolls           int64     `json:"active_polls"`
	AveragePollDurationMs float64   `json:"average_poll_duration_ms"`
	LastTick              time.Time `json:"last_tick"`
}

// Scheduler samples every connected device on a fixed interval with a global
// concurrency ceiling.
type Scheduler struct {
	devices Devices
	sink    Sink
	logger  *zap.Logger

	interval    time.Duration
	pollTimeout time.Duration
	emaWeight   float64
	sem         *semaphore.Weighted

	mu        sync.Mutex
	stats     Stats
	emaSeeded bool
	started   bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	inflight sync.WaitGroup
}

// New builds a stopped scheduler.
func New(devices Devices, sink Sink, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.EMAWeight <= 0 || opts.EMAWeight >= 1 {
		opts.EMAWeight = DefaultEMAWeight
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		devices:     devices,
		sink:        sink,
		logger:      opts.Logger,
		interval:    opts.Interval,
		pollTimeout: opts.PollTimeout,
		emaWeight:   opts.EMAWeight,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// Start runs the tick loop until Stop is called or ctx is done. The first
// tick happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts future ticks. In-flight polls finish or time out on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.logger.Info("scheduler stopped")
}

// Wait blocks until the loop has exited and in-flight polls have settled.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Running reports whether ticks are still scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.stats.LastTick = time.Now().UTC()
	s.mu.Unlock()

	for _, h := range s.devices.Devices() {
		dead := h.State == pool.StateConnected && (h.Client == nil || !h.Client.Running())
		if h.State != pool.StateConnected || dead {
			s.count(func(st *Stats) { st.FailedPolls++ })
			if dead || h.State == pool.StateDisconnected || h.State == pool.StateError {
				s.reconnect(ctx, h.Device.ID)
			}
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.count(func(st *Stats) { st.SkippedPolls++ })
			continue
		}
		s.count(func(st *Stats) { st.ActivePolls++ })
		s.inflight.Add(1)
		go s.poll(ctx, h)
	}
}

func (s *Scheduler) count(fn func(st *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalPolls++
	fn(&s.stats)
}

func (s *Scheduler) reconnect(ctx context.Context, id string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.devices.Reconnect(ctx, id); err != nil && !errors.Is(err, pool.ErrConnectInProgress) {
			s.logger.Debug("reconnect failed", zap.String("device_id", id), zap.Error(err))
		}
	}()
}

// poll runs detached from the loop context so Stop lets it finish.
func (s *Scheduler) poll(ctx context.Context, h pool.Handle) {
	defer s.inflight.Done()
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pollTimeout)
	defer cancel()

	started := time.Now()
	data, err := h.Client.Monitor(ctx)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	s.observe(elapsed, err)

	if err != nil {
		s.logger.Warn("poll failed", zap.String("device_id", h.Device.ID), zap.Error(err))
		return
	}

	m := data.Measurement(h.Device.ID, time.Now())
	s.sink.Enqueue(m)
	s.sink.EnqueueSnapshot(models.NewSnapshot(m))
}

func (s *Scheduler) observe(elapsedMs float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ActivePolls--
	if err != nil {
		s.stats.FailedPolls++
	} else {
		s.stats.SuccessfulPolls++
	}
	if !s.emaSeeded {
		s.stats.AveragePollDurationMs = elapsedMs
		s.emaSeeded = true
		return
	}
	s.stats.AveragePollDurationMs = s.emaWeight*s.stats.AveragePollDurationMs + (1-s.emaWeight)*elapsedMs
}
