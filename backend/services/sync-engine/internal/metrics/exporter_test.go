package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetsync/backend/services/sync-engine/internal/backfill"
	"fleetsync/backend/services/sync-engine/internal/pool"
	"fleetsync/backend/services/sync-engine/internal/scheduler"
	"fleetsync/backend/services/sync-engine/internal/writer"
)

type fakePool struct{ stats pool.Stats }

func (f fakePool) Stats() pool.Stats { return f.stats }

type fakeScheduler struct {
	stats   scheduler.Stats
	running bool
}

func (f fakeScheduler) Stats() scheduler.Stats { return f.stats }
func (f fakeScheduler) Running() bool          { return f.running }

type fakeWriter struct {
	stats    writer.Stats
	running  bool
	maxQueue int
}

func (f fakeWriter) Stats() writer.Stats { return f.stats }
func (f fakeWriter) Running() bool       { return f.running }
func (f fakeWriter) MaxQueueSize() int   { return f.maxQueue }

type fakeBackfill struct{ stats backfill.Stats }

func (f fakeBackfill) Stats() backfill.Stats { return f.stats }

func newTestExporter(queue, maxQueue int, schedRunning, writerRunning bool) *Exporter {
	return NewExporter(
		fakePool{stats: pool.Stats{Total: 3, Connected: 2, Disconnected: 1}},
		fakeScheduler{
			running: schedRunning,
			stats:   scheduler.Stats{TotalPolls: 10, SuccessfulPolls: 6, FailedPolls: 1, SkippedPolls: 3, AveragePollDurationMs: 12.5},
		},
		fakeWriter{
			running:  writerRunning,
			maxQueue: maxQueue,
			stats:    writer.Stats{QueueSize: queue, TotalWritten: 500, TotalDropped: 100, FailedBatches: 2},
		},
		fakeBackfill{stats: backfill.Stats{TotalBackfills: 4, SuccessfulBackfills: 3, SamplesBackfilled: 250}},
	)
}

func TestMetricsExposition(t *testing.T) {
	e := newTestExporter(10, 100, true, true)

	rec := httptest.NewRecorder()
	e.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	series := map[string]string{
		"dm_devices_total":               "gauge",
		"dm_devices_connected":           "gauge",
		"dm_devices_disconnected":        "gauge",
		"dm_polls_total":                 "counter",
		"dm_polls_successful_total":      "counter",
		"dm_polls_failed_total":          "counter",
		"dm_polls_skipped_total":         "counter",
		"dm_polls_active":                "gauge",
		"dm_poll_duration_ms":            "gauge",
		"dm_writer_queue_size":           "gauge",
		"dm_writer_total_written":        "counter",
		"dm_writer_flush_duration_ms":    "gauge",
		"dm_writer_total_dropped":        "counter",
		"dm_writer_failed_batches_total": "counter",
		"dm_backfills_total":             "counter",
		"dm_backfills_successful_total":  "counter",
		"dm_backfills_active":            "gauge",
		"dm_samples_backfilled_total":    "counter",
	}
	for name, kind := range series {
		if !strings.Contains(text, "# HELP "+name+" ") {
			t.Errorf("missing HELP for %s", name)
		}
		if !strings.Contains(text, "# TYPE "+name+" "+kind+"\n") {
			t.Errorf("missing TYPE %s for %s", kind, name)
		}
	}

	for _, line := range []string{
		"dm_devices_connected 2\n",
		"dm_polls_skipped_total 3\n",
		"dm_poll_duration_ms 12.5\n",
		"dm_writer_total_written 500\n",
		"dm_samples_backfilled_total 250\n",
	} {
		if !strings.Contains(text, line) {
			t.Errorf("missing sample %q", strings.TrimSpace(line))
		}
	}
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name          string
		queue         int
		schedRunning  bool
		writerRunning bool
		wantCode      int
		wantStatus    string
	}{
		{"healthy", 89, true, true, http.StatusOK, StatusHealthy},
		{"queue at threshold", 90, true, true, http.StatusServiceUnavailable, StatusDegraded},
		{"scheduler stopped", 0, false, true, http.StatusServiceUnavailable, StatusDegraded},
		{"writer stopped", 0, true, false, http.StatusServiceUnavailable, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExporter(tt.queue, 100, tt.schedRunning, tt.writerRunning)

			rec := httptest.NewRecorder()
			e.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}

			var report HealthReport
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if report.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, report.Status)
			}
			if report.Components.ConnectionPool.Connected != 2 {
				t.Fatalf("unexpected pool section %+v", report.Components.ConnectionPool)
			}
			if report.Components.BatchWriter.MaxQueueSize != 100 {
				t.Fatalf("unexpected writer section %+v", report.Components.BatchWriter)
			}
		})
	}
}

func TestHealthRejectsPost(t *testing.T) {
	e := newTestExporter(0, 100, true, true)

	rec := httptest.NewRecorder()
	e.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
