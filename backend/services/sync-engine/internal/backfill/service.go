package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetsync/backend/services/sync-engine/internal/devicekey"
	"fleetsync/backend/services/sync-engine/internal/models"
	"fleetsync/backend/services/sync-engine/internal/pool"
)

const (
	DefaultChunkSize     = 64 * 1024
	DefaultMaxConcurrent = 2
)

// AllCohorts selects every device in SyncAll.
const AllCohorts = -1

var ErrSyncInProgress = errors.New("backfill: sync already running for device")

// Phase is the stage a sync run has reached.
type Phase string

const (
	PhaseListing  Phase = "listing"
	PhaseReading  Phase = "reading"
	PhaseDecoding Phase = "decoding"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Progress is reported after every state change of a run.
type Progress struct {
	RunID            string `json:"run_id"`
	DeviceID         string `json:"device_id"`
	Phase            Phase  `json:"phase"`
	FileID           int64  `json:"file_id,omitempty"`
	FilesCompleted   int    `json:"files_completed"`
	FilesTotal       int    `json:"files_total"`
	SamplesRetrieved int    `json:"samples_retrieved"`
	Error            string `json:"error,omitempty"`
}

// ProgressFunc receives progress reports. It may be nil.
type ProgressFunc func(Progress)

// LogReader is the device surface a sync reads from.
type LogReader interface {
	LogFiles(ctx context.Context) ([]models.LogFile, error)
	ReadLog(ctx context.Context, fileID, offset, size int64) ([]byte, error)
}

// Decoder turns raw log bytes into measurements.
type Decoder interface {
	Decode(deviceID string, data []byte) ([]models.Measurement, error)
}

// Sink receives decoded samples.
type Sink interface {
	Enqueue(m models.Measurement)
}

// Devices lists pooled devices for SyncAll.
type Devices interface {
	Devices() []pool.Handle
}

// Result summarizes one run.
type Result struct {
	RunID       string           `json:"run_id"`
	DeviceID    string           `json:"device_id"`
	FilesTotal  int              `json:"files_total"`
	FilesSynced int              `json:"files_synced"`
	FilesFailed int              `json:"files_failed"`
	Samples     int              `json:"samples"`
	State       models.SyncState `json:"state"`
	Duration    time.Duration    `json:"duration"`
	// Estimate sizes the pending ranges before they were read.
	Estimate TimeRange `json:"estimate"`
}

// Stats are the backfill counters. A run is successful when it completes
// with no failed file.
type Stats struct {
	TotalBackfills      uint64    `json:"total_backfills"`
	SuccessfulBackfills uint64    `json:"successful_backfills"`
	ActiveBackfills     int64     `json:"active_backfills"`
	SamplesBackfilled   uint64    `json:"samples_backfilled"`
	LastRun             time.Time `json:"last_run"`
}

// Options tune a Service.
type Options struct {
	ChunkSize     int64
	MaxConcurrent int
	Cohorts       int
	Logger        *zap.Logger
}

// Service mirrors device log files into the writer and owns the per-device
// watermark.
type Service struct {
	states  StateStore
	decoder Decoder
	sink    Sink
	devices Devices
	logger  *zap.Logger

	chunkSize     int64
	maxConcurrent int
	cohorts       int

	mu     sync.Mutex
	active map[string]bool
	stats  Stats
}

// NewService wires a backfill service.
func NewService(states StateStore, decoder Decoder, sink Sink, devices Devices, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Cohorts <= 0 {
		opts.Cohorts = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		states:        states,
		decoder:       decoder,
		sink:          sink,
		devices:       devices,
		logger:        opts.Logger,
		chunkSize:     opts.ChunkSize,
		maxConcurrent: opts.MaxConcurrent,
		cohorts:       opts.Cohorts,
		active:        make(map[string]bool),
	}
}

// Cohorts returns the number of cohorts devices are spread over.
func (s *Service) Cohorts() int {
	return s.cohorts
}

// State returns the stored watermark of a device, or nil if it was never synced.
func (s *Service) State(ctx context.Context, serial string) (*models.SyncState, error) {
	return s.states.Load(ctx, serial)
}

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Sync runs one incremental backfill of device. Files that fail to read or
// decode are skipped; the watermark never moves past the first of them.
func (s *Service) Sync(ctx context.Context, device models.Device, reader LogReader, progress ProgressFunc) (*Result, error) {
	if !s.acquire(device.Serial) {
		return nil, ErrSyncInProgress
	}
	defer s.release(device.Serial)

	started := time.Now()
	p := Progress{RunID: uuid.NewString(), DeviceID: device.ID}
	report := func(phase Phase) {
		p.Phase = phase
		if progress != nil {
			progress(p)
		}
	}
	fail := func(err error) (*Result, error) {
		p.Error = err.Error()
		report(PhaseError)
		s.finish(false, p.SamplesRetrieved)
		s.logger.Warn("backfill failed", zap.String("device_id", device.ID), zap.String("run_id", p.RunID), zap.Error(err))
		return nil, err
	}

	report(PhaseListing)
	prior, err := s.states.Load(ctx, device.Serial)
	if err != nil {
		return fail(fmt.Errorf("backfill: load state: %w", err))
	}
	files, err := reader.LogFiles(ctx)
	if err != nil {
		return fail(fmt.Errorf("backfill: list files: %w", err))
	}

	pending := FilesToSync(files, prior)
	state := models.SyncState{DeviceSerial: device.Serial}
	if prior != nil {
		state = *prior
	}
	p.FilesTotal = len(pending)
	result := &Result{
		RunID:      p.RunID,
		DeviceID:   device.ID,
		FilesTotal: len(pending),
		Estimate:   EstimateTimeRange(remaining(pending)),
	}
	s.logger.Debug("backfill starting",
		zap.String("device_id", device.ID),
		zap.String("run_id", p.RunID),
		zap.Int("files", len(pending)),
		zap.Int64("bytes", result.Estimate.TotalBytes),
		zap.Int64("estimated_samples", result.Estimate.EstimatedSamples),
	)

	blocked := false
	for _, file := range pending {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("backfill: %w", err))
		}
		p.FileID = file.ID

		samples, err := s.syncFile(ctx, device.ID, reader, file, report)
		if err != nil {
			blocked = true
			result.FilesFailed++
			s.logger.Warn("skipping log file",
				zap.String("device_id", device.ID),
				zap.Int64("file_id", file.ID),
				zap.Int64("offset", file.Offset),
				zap.Error(err),
			)
			continue
		}

		for _, m := range samples {
			s.sink.Enqueue(m)
		}
		result.Samples += len(samples)
		result.FilesSynced++
		p.SamplesRetrieved += len(samples)
		p.FilesCompleted++
		report(p.Phase)
		state.TotalSamplesSynced += int64(len(samples))

		if blocked || !state.Before(file.ID, file.Size) {
			continue
		}
		state.LastFileID = file.ID
		state.LastFileOffset = file.Size
		state.LastSyncTime = time.Now().UTC()
		if err := s.states.Save(ctx, state); err != nil {
			return fail(fmt.Errorf("backfill: save state: %w", err))
		}
	}

	state.LastSyncTime = time.Now().UTC()
	if err := s.states.Save(ctx, state); err != nil {
		return fail(fmt.Errorf("backfill: save state: %w", err))
	}

	p.FileID = 0
	report(PhaseComplete)
	result.State = state
	result.Duration = time.Since(started)
	s.finish(result.FilesFailed == 0, result.Samples)

	s.logger.Info("backfill complete",
		zap.String("device_id", device.ID),
		zap.String("run_id", p.RunID),
		zap.Int("files", result.FilesSynced),
		zap.Int("failed", result.FilesFailed),
		zap.Int("samples", result.Samples),
		zap.Int64("last_file_id", state.LastFileID),
		zap.Int64("last_file_offset", state.LastFileOffset),
	)
	return result, nil
}

// SyncAll backfills every connected device of one cohort, or all devices
// with AllCohorts, at most maxConcurrent at a time. A failing device does
// not stop the others.
func (s *Service) SyncAll(ctx context.Context, cohort int) []Result {
	var targets []pool.Handle
	for _, h := range s.devices.Devices() {
		if h.State != pool.StateConnected {
			continue
		}
		if cohort != AllCohorts && devicekey.Cohort(h.Device.ID, s.cohorts) != cohort {
			continue
		}
		targets = append(targets, h)
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for _, h := range targets {
		h := h
		g.Go(func() error {
			res, err := s.Sync(gctx, h.Device, h.Client, nil)
			if err != nil {
				if !errors.Is(err, ErrSyncInProgress) {
					s.logger.Warn("device backfill failed", zap.String("device_id", h.Device.ID), zap.Error(err))
				}
				return nil
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// remaining turns pending ranges into a listing of the bytes still to read.
func remaining(pending []PendingFile) []models.LogFile {
	out := make([]models.LogFile, len(pending))
	for i, f := range pending {
		out[i] = models.LogFile{ID: f.ID, Size: f.Length()}
	}
	return out
}

func (s *Service) syncFile(ctx context.Context, deviceID string, reader LogReader, file PendingFile, report func(Phase)) ([]models.Measurement, error) {
	report(PhaseReading)
	data, err := s.readRange(ctx, reader, file)
	if err != nil {
		return nil, err
	}
	report(PhaseDecoding)
	samples, err := s.decoder.Decode(deviceID, data)
	if err != nil {
		return nil, fmt.Errorf("decode file %d: %w", file.ID, err)
	}
	return samples, nil
}

// readRange reads [file.Offset, file.Size) in chunks.
func (s *Service) readRange(ctx context.Context, reader LogReader, file PendingFile) ([]byte, error) {
	data := make([]byte, 0, file.Length())
	for offset := file.Offset; offset < file.Size; {
		size := file.Size - offset
		if size > s.chunkSize {
			size = s.chunkSize
		}
		chunk, err := reader.ReadLog(ctx, file.ID, offset, size)
		if err != nil {
			return nil, fmt.Errorf("read file %d at %d: %w", file.ID, offset, err)
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("read file %d at %d: empty chunk", file.ID, offset)
		}
		data = append(data, chunk...)
		offset += int64(len(chunk))
	}
	return data, nil
}

func (s *Service) acquire(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[serial] {
		return false
	}
	s.active[serial] = true
	s.stats.TotalBackfills++
	s.stats.ActiveBackfills++
	return true
}

func (s *Service) release(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, serial)
	s.stats.ActiveBackfills--
}

func (s *Service) finish(ok bool, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.stats.SuccessfulBackfills++
	}
	s.stats.SamplesBackfilled += uint64(samples)
	s.stats.LastRun = time.Now().UTC()
}
