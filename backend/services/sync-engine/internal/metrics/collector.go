package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
}

func gauge(name, help string) metricDesc {
	return metricDesc{desc: prometheus.NewDesc(name, help, nil, nil), valueType: prometheus.GaugeValue}
}

func counter(name, help string) metricDesc {
	return metricDesc{desc: prometheus.NewDesc(name, help, nil, nil), valueType: prometheus.CounterValue}
}

var (
	devicesTotal        = gauge("dm_devices_total", "Registered devices.")
	devicesConnected    = gauge("dm_devices_connected", "Devices with a connected bridge.")
	devicesDisconnected = gauge("dm_devices_disconnected", "Devices without a connected bridge.")

	pollsTotal      = counter("dm_polls_total", "Poll attempts, including skipped and failed ones.")
	pollsSuccessful = counter("dm_polls_successful_total", "Polls that returned a reading.")
	pollsFailed     = counter("dm_polls_failed_total", "Polls that failed, timed out or hit a disconnected device.")
	pollsSkipped    = counter("dm_polls_skipped_total", "Polls not admitted because the concurrency ceiling was reached.")
	pollsActive     = gauge("dm_polls_active", "Polls in flight.")
	pollDuration    = gauge("dm_poll_duration_ms", "Moving average of poll duration in milliseconds.")

	writerQueueSize     = gauge("dm_writer_queue_size", "Measurements waiting to be flushed.")
	writerTotalWritten  = counter("dm_writer_total_written", "Measurements durably written.")
	writerFlushDuration = gauge("dm_writer_flush_duration_ms", "Moving average of flush duration in milliseconds.")
	writerTotalDropped  = counter("dm_writer_total_dropped", "Measurements shed on queue overflow.")
	writerFailedBatches = counter("dm_writer_failed_batches_total", "Flush attempts that failed and were retained.")

	backfillsTotal      = counter("dm_backfills_total", "Backfill runs started.")
	backfillsSuccessful = counter("dm_backfills_successful_total", "Backfill runs that completed without a failed file.")
	backfillsActive     = gauge("dm_backfills_active", "Backfill runs in progress.")
	samplesBackfilled   = counter("dm_samples_backfilled_total", "Samples retrieved from device logs.")
)

// engineCollector reads every component once per scrape.
type engineCollector struct {
	pool      PoolSource
	scheduler SchedulerSource
	writer    WriterSource
	backfill  BackfillSource
}

func newEngineCollector(p PoolSource, s SchedulerSource, w WriterSource, b BackfillSource) *engineCollector {
	return &engineCollector{pool: p, scheduler: s, writer: w, backfill: b}
}

func (c *engineCollector) all() []metricDesc {
	return []metricDesc{
		devicesTotal, devicesConnected, devicesDisconnected,
		pollsTotal, pollsSuccessful, pollsFailed, pollsSkipped, pollsActive, pollDuration,
		writerQueueSize, writerTotalWritten, writerFlushDuration, writerTotalDropped, writerFailedBatches,
		backfillsTotal, backfillsSuccessful, backfillsActive, samplesBackfilled,
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		ch <- m.desc
	}
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	ps := c.pool.Stats()
	ss := c.scheduler.Stats()
	ws := c.writer.Stats()
	bs := c.backfill.Stats()

	emit := func(m metricDesc, v float64) {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, v)
	}

	emit(devicesTotal, float64(ps.Total))
	emit(devicesConnected, float64(ps.Connected))
	emit(devicesDisconnected, float64(ps.Disconnected))

	emit(pollsTotal, float64(ss.TotalPolls))
	emit(pollsSuccessful, float64(ss.SuccessfulPolls))
	emit(pollsFailed, float64(ss.FailedPolls))
	emit(pollsSkipped, float64(ss.SkippedPolls))
	emit(pollsActive, float64(ss.ActivePolls))
	emit(pollDuration, ss.AveragePollDurationMs)

	emit(writerQueueSize, float64(ws.QueueSize))
	emit(writerTotalWritten, float64(ws.TotalWritten))
	emit(writerFlushDuration, ws.AverageFlushDurationMs)
	emit(writerTotalDropped, float64(ws.TotalDropped))
	emit(writerFailedBatches, float64(ws.FailedBatches))

	emit(backfillsTotal, float64(bs.TotalBackfills))
	emit(backfillsSuccessful, float64(bs.SuccessfulBackfills))
	emit(backfillsActive, float64(bs.ActiveBackfills))
	emit(samplesBackfilled, float64(bs.SamplesBackfilled))
}
