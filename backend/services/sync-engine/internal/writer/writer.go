package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetsync/backend/services/sync-engine/internal/models"
)

const (
	DefaultFlushInterval     = 5 * time.Second
	DefaultMaxBatchSize      = 500
	DefaultMaxQueueSize      = 10000
	DefaultOverflowDropCount = 100
	DefaultEMAWeight         = 0.9
	DefaultWriteTimeout      = 10 * time.Second
)

var ErrAlreadyStarted = errors.New("writer: already started")

// Store is the durable sink. Either call may fail; the writer retries on the
// next flush.
type Store interface {
	BulkInsertMeasurements(ctx context.Context, batch []models.Measurement) error
	UpsertDeviceSnapshot(ctx context.Context, snapshot models.DeviceSnapshot) error
}

// Options tune a Writer. Zero values fall back to defaults.
type Options struct {
	FlushInterval     time.Duration
	MaxBatchSize      int
	MaxQueueSize      int
	OverflowDropCount int
	EMAWeight         float64
	WriteTimeout      time.Duration
	Logger            *zap.Logger
}

// Stats are the writer counters. TotalBatches counts successful flushes.
type Stats struct {
	TotalWritten           uint64    `json:"total_written"`
	TotalBatches           uint64    `json:"total_batches"`
	FailedBatches          uint64    `json:"failed_batches"`
	TotalDropped           uint64    `json:"total_dropped"`
	QueueSize              int       `json:"queue_size"`
	QueueHighWaterMark     int       `json:"queue_high_water_mark"`
	PendingSnapshots       int       `json:"pending_snapshots"`
	LastFlushTime          time.Time `json:"last_flush_time"`
	AverageFlushDurationMs float64   `json:"average_flush_duration_ms"`
}

type snapshotSlot struct {
	snapshot models.DeviceSnapshot
	version  uint64
}

// Writer buffers measurements and snapshots in memory and flushes them to a
// Store on a timer or when a batch fills up. Flushes copy the buffers, write,
// and only then remove what was written.
type Writer struct {
	store  Store
	logger *zap.Logger

	flushInterval time.Duration
	maxBatch      int
	maxQueue      int
	dropCount     int
	emaWeight     float64
	writeTimeout  time.Duration

	mu          sync.Mutex
	queue       []models.Measurement
	head        uint64 // absolute sequence number of queue[0]
	snapshots   map[string]snapshotSlot
	snapVersion uint64
	stats       Stats
	emaSeeded   bool

	// While a flush is writing [head, flushEnd), overflow drops inside that
	// range are held in droppedInFlight and count as dropped only if the
	// flush fails.
	flushing        bool
	flushEnd        uint64
	droppedInFlight uint64

	started     bool
	running     bool
	stop        chan struct{}
	done        chan struct{}

	flushMu sync.Mutex
	kick    chan struct{}
}

// New builds a stopped writer.
func New(store Store, opts Options) *Writer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.OverflowDropCount <= 0 {
		opts.OverflowDropCount = DefaultOverflowDropCount
	}
	if opts.EMAWeight <= 0 || opts.EMAWeight >= 1 {
		opts.EMAWeight = DefaultEMAWeight
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Writer{
		store:         store,
		logger:        opts.Logger,
		flushInterval: opts.FlushInterval,
		maxBatch:      opts.MaxBatchSize,
		maxQueue:      opts.MaxQueueSize,
		dropCount:     opts.OverflowDropCount,
		emaWeight:     opts.EMAWeight,
		writeTimeout:  opts.WriteTimeout,
		snapshots:     make(map[string]snapshotSlot),
		kick:          make(chan struct{}, 1),
	}
}

// Start arms the flush timer.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)

	w.logger.Info("writer started",
		zap.Duration("flush_interval", w.flushInterval),
		zap.Int("max_batch", w.maxBatch),
		zap.Int("max_queue", w.maxQueue),
	)
	return nil
}

// Stop cancels the timer and performs one final flush bounded by ctx and the
// write timeout.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	err := w.Flush(ctx)
	w.logger.Info("writer stopped", zap.Int("queue_size", w.QueueSize()))
	return err
}

// Running reports whether the flush timer is armed.
func (w *Writer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Enqueue appends a measurement. A full queue sheds its oldest entries first.
func (w *Writer) Enqueue(m models.Measurement) {
	w.mu.Lock()
	if len(w.queue) >= w.maxQueue {
		w.dropOldest(w.dropCount)
	}
	w.queue = append(w.queue, m)
	if len(w.queue) > w.stats.QueueHighWaterMark {
		w.stats.QueueHighWaterMark = len(w.queue)
	}
	trigger := w.running && len(w.queue) >= w.maxBatch
	w.mu.Unlock()

	if trigger {
		w.requestFlush()
	}
}

// EnqueueSnapshot replaces the pending snapshot of the device.
func (w *Writer) EnqueueSnapshot(s models.DeviceSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapVersion++
	w.snapshots[s.DeviceID] = snapshotSlot{snapshot: s, version: w.snapVersion}
}

// Flush writes everything buffered at call time. Entries are removed only
// after both the bulk insert and every snapshot upsert succeed.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := make([]models.Measurement, len(w.queue))
	copy(batch, w.queue)
	end := w.head + uint64(len(batch))
	slots := make([]snapshotSlot, 0, len(w.snapshots))
	for _, slot := range w.snapshots {
		slots = append(slots, slot)
	}
	w.flushing, w.flushEnd, w.droppedInFlight = len(batch) > 0, end, 0
	w.mu.Unlock()

	if len(batch) == 0 && len(slots) == 0 {
		return nil
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].snapshot.DeviceID < slots[j].snapshot.DeviceID })

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	started := time.Now()
	err := w.write(ctx, batch, slots)
	elapsed := float64(time.Since(started).Microseconds()) / 1000

	w.mu.Lock()
	defer w.mu.Unlock()
	w.observe(elapsed)
	w.stats.LastFlushTime = time.Now().UTC()
	w.flushing = false

	if err != nil {
		w.stats.FailedBatches++
		w.stats.TotalDropped += w.droppedInFlight
		w.droppedInFlight = 0
		if over := len(w.queue) - w.maxQueue; over > 0 {
			w.dropOldest(over)
		}
		w.logger.Warn("flush failed",
			zap.Int("batch", len(batch)),
			zap.Int("retained", len(w.queue)),
			zap.Error(err),
		)
		return fmt.Errorf("writer: flush: %w", err)
	}

	if end > w.head {
		n := int(end - w.head)
		if n > len(w.queue) {
			n = len(w.queue)
		}
		w.queue = append([]models.Measurement(nil), w.queue[n:]...)
		w.head += uint64(n)
	}
	for _, slot := range slots {
		id := slot.snapshot.DeviceID
		if current, ok := w.snapshots[id]; ok && current.version == slot.version {
			delete(w.snapshots, id)
		}
	}
	w.stats.TotalBatches++
	w.stats.TotalWritten += uint64(len(batch))
	w.droppedInFlight = 0

	w.logger.Debug("flushed",
		zap.Int("measurements", len(batch)),
		zap.Int("snapshots", len(slots)),
		zap.Float64("duration_ms", elapsed),
	)
	return nil
}

// QueueSize returns the number of buffered measurements.
func (w *Writer) QueueSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// MaxQueueSize returns the configured queue bound.
func (w *Writer) MaxQueueSize() int {
	return w.maxQueue
}

// Stats returns a copy of the counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.QueueSize = len(w.queue)
	stats.PendingSnapshots = len(w.snapshots)
	return stats
}

func (w *Writer) write(ctx context.Context, batch []models.Measurement, slots []snapshotSlot) error {
	if len(batch) > 0 {
		if err := w.store.BulkInsertMeasurements(ctx, batch); err != nil {
			return err
		}
	}
	for _, slot := range slots {
		if err := w.store.UpsertDeviceSnapshot(ctx, slot.snapshot); err != nil {
			return fmt.Errorf("snapshot %s: %w", slot.snapshot.DeviceID, err)
		}
	}
	return nil
}

// run owns the background flushes, so the timer and the size trigger never
// overlap. The timer is re-armed only after a flush settles.
func (w *Writer) run(stop, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		case <-w.kick:
			timer.Stop()
		}

		err := w.Flush(context.Background())

		w.mu.Lock()
		again := err == nil && len(w.queue) >= w.maxBatch
		w.mu.Unlock()
		if again {
			w.requestFlush()
		}
		timer.Reset(w.flushInterval)
	}
}

func (w *Writer) requestFlush() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// dropOldest must be called with w.mu held.
func (w *Writer) dropOldest(n int) {
	if n > len(w.queue) {
		n = len(w.queue)
	}
	if n <= 0 {
		return
	}
	var inFlight uint64
	if w.flushing && w.head < w.flushEnd {
		inFlight = min(uint64(n), w.flushEnd-w.head)
	}
	w.queue = append([]models.Measurement(nil), w.queue[n:]...)
	w.head += uint64(n)
	w.droppedInFlight += inFlight
	w.stats.TotalDropped += uint64(n) - inFlight
	w.logger.Warn("queue overflow, dropped oldest measurements",
		zap.Int("dropped", n),
		zap.Int("queue_size", len(w.queue)),
	)
}

// observe must be called with w.mu held.
func (w *Writer) observe(elapsedMs float64) {
	if !w.emaSeeded {
		w.stats.AverageFlushDurationMs = elapsedMs
		w.emaSeeded = true
		return
	}
	w.stats.AverageFlushDurationMs = w.emaWeight*w.stats.AverageFlushDurationMs + (1-w.emaWeight)*elapsedMs
}
