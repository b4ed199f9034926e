package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetsync/backend/services/sync-engine/internal/backfill"
	"fleetsync/backend/services/sync-engine/internal/pool"
	"fleetsync/backend/services/sync-engine/internal/scheduler"
	"fleetsync/backend/services/sync-engine/internal/writer"
)

// Queue occupancy at or above this fraction of the maximum is degraded.
const queueDegradedRatio = 0.9

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// PoolSource exposes connection counts.
type PoolSource interface {
	Stats() pool.Stats
}

// SchedulerSource exposes polling counters.
type SchedulerSource interface {
	Stats() scheduler.Stats
	Running() bool
}

// WriterSource exposes writer counters.
type WriterSource interface {
	Stats() writer.Stats
	Running() bool
	MaxQueueSize() int
}

// BackfillSource exposes backfill counters.
type BackfillSource interface {
	Stats() backfill.Stats
}

// Exporter renders read-only views of the engine for monitoring.
type Exporter struct {
	pool      PoolSource
	scheduler SchedulerSource
	writer    WriterSource
	backfill  BackfillSource

	registry *prometheus.Registry
	now      func() time.Time
}

// NewExporter builds an exporter with its own registry.
func NewExporter(p PoolSource, s SchedulerSource, w WriterSource, b BackfillSource) *Exporter {
	e := &Exporter{
		pool:      p,
		scheduler: s,
		writer:    w,
		backfill:  b,
		registry:  prometheus.NewRegistry(),
		now:       time.Now,
	}
	e.registry.MustRegister(
		newEngineCollector(p, s, w, b),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// MetricsHandler serves the text exposition format.
func (e *Exporter) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// PoolHealth is the connection pool section of a health report.
type PoolHealth struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
}

// SchedulerHealth is the scheduler section of a health report.
type SchedulerHealth struct {
	Running               bool    `json:"running"`
	ActivePolls           int64   `json:"activePolls"`
	TotalPolls            uint64  `json:"totalPolls"`
	FailedPolls           uint64  `json:"failedPolls"`
	SkippedPolls          uint64  `json:"skippedPolls"`
	AveragePollDurationMs float64 `json:"averagePollDurationMs"`
}

// WriterHealth is the writer section of a health report.
type WriterHealth struct {
	Running                bool      `json:"running"`
	QueueSize              int       `json:"queueSize"`
	MaxQueueSize           int       `json:"maxQueueSize"`
	QueueOccupancy         float64   `json:"queueOccupancy"`
	TotalWritten           uint64    `json:"totalWritten"`
	FailedBatches          uint64    `json:"failedBatches"`
	LastFlushTime          time.Time `json:"lastFlushTime"`
	AverageFlushDurationMs float64   `json:"averageFlushDurationMs"`
}

// Components groups the per-component health sections.
type Components struct {
	ConnectionPool   PoolHealth      `json:"connectionPool"`
	PollingScheduler SchedulerHealth `json:"pollingScheduler"`
	BatchWriter      WriterHealth    `json:"batchWriter"`
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status     string     `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	Components Components `json:"components"`
}

// Health evaluates the engine. It is healthy only when the scheduler and the
// writer are running and the writer queue is below 90% of its maximum.
func (e *Exporter) Health() HealthReport {
	ps := e.pool.Stats()
	ss := e.scheduler.Stats()
	ws := e.writer.Stats()
	maxQueue := e.writer.MaxQueueSize()

	occupancy := 0.0
	if maxQueue > 0 {
		occupancy = float64(ws.QueueSize) / float64(maxQueue)
	}

	report := HealthReport{
		Status:    StatusDegraded,
		Timestamp: e.now().UTC(),
		Components: Components{
			ConnectionPool: PoolHealth{
				Total:        ps.Total,
				Connected:    ps.Connected,
				Disconnected: ps.Disconnected,
			},
			PollingScheduler: SchedulerHealth{
				Running:               e.scheduler.Running(),
				ActivePolls:           ss.ActivePolls,
				TotalPolls:            ss.TotalPolls,
				FailedPolls:           ss.FailedPolls,
				SkippedPolls:          ss.SkippedPolls,
				AveragePollDurationMs: ss.AveragePollDurationMs,
			},
			BatchWriter: WriterHealth{
				Running:                e.writer.Running(),
				QueueSize:              ws.QueueSize,
				MaxQueueSize:           maxQueue,
				QueueOccupancy:         occupancy,
				TotalWritten:           ws.TotalWritten,
				FailedBatches:          ws.FailedBatches,
				LastFlushTime:          ws.LastFlushTime,
				AverageFlushDurationMs: ws.AverageFlushDurationMs,
			},
		},
	}

	c := report.Components
	if c.PollingScheduler.Running && c.BatchWriter.Running && occupancy < queueDegradedRatio {
		report.Status = StatusHealthy
	}
	return report
}

// HealthHandler serves the health report with 200 when healthy and 503
// otherwise.
func (e *Exporter) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report := e.Health()
		status := http.StatusOK
		if report.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
