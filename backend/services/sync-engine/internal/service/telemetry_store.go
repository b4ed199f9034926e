package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// ErrSnapshotNotFound is returned when a device has no stored snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// MeasurementRepository is the durable side of the store.
type MeasurementRepository interface {
	BulkInsertMeasurements(ctx context.Context, batch []models.Measurement) error
	UpsertDeviceSnapshot(ctx context.Context, snapshot models.DeviceSnapshot) (applied bool, err error)
	LatestSnapshot(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error)
}

// SnapshotCache mirrors snapshots for fast reads.
type SnapshotCache interface {
	Save(ctx context.Context, snapshot models.DeviceSnapshot) error
	Get(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error)
}

// TelemetryStore ties repository and cache. Postgres is the source of truth;
// cache failures are logged and never fail a write.
type TelemetryStore struct {
	repo   MeasurementRepository
	cache  SnapshotCache
	logger *zap.Logger
}

// NewTelemetryStore builds store. cache may be nil.
func NewTelemetryStore(repo MeasurementRepository, cache SnapshotCache, logger *zap.Logger) *TelemetryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelemetryStore{repo: repo, cache: cache, logger: logger}
}

// BulkInsertMeasurements writes a batch.
func (s *TelemetryStore) BulkInsertMeasurements(ctx context.Context, batch []models.Measurement) error {
	return s.repo.BulkInsertMeasurements(ctx, batch)
}

// UpsertDeviceSnapshot writes the snapshot and refreshes the cache. A
// snapshot older than the stored one leaves both untouched.
func (s *TelemetryStore) UpsertDeviceSnapshot(ctx context.Context, snapshot models.DeviceSnapshot) error {
	applied, err := s.repo.UpsertDeviceSnapshot(ctx, snapshot)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug("stale snapshot ignored", zap.String("device_id", snapshot.DeviceID), zap.Time("recorded_at", snapshot.Measurement.RecordedAt))
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Save(ctx, snapshot); err != nil {
			s.logger.Warn("failed to cache snapshot", zap.String("device_id", snapshot.DeviceID), zap.Error(err))
		}
	}
	return nil
}

// Snapshot returns the latest snapshot of a device, from cache when possible.
func (s *TelemetryStore) Snapshot(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, deviceID)
		if err != nil {
			s.logger.Warn("snapshot cache read failed", zap.String("device_id", deviceID), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	snapshot, err := s.repo.LatestSnapshot(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}
	if s.cache != nil {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.cache.Save(cacheCtx, *snapshot); err != nil {
			s.logger.Debug("failed to backfill snapshot cache", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return snapshot, nil
}
