package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// SyncStateRepository persists backfill watermarks.
type SyncStateRepository struct {
	db *sql.DB
}

// NewSyncStateRepository returns repository.
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// Load returns the watermark of a device, or nil if it was never synced.
func (r *SyncStateRepository) Load(ctx context.Context, serial string) (*models.SyncState, error) {
	const query = `
		SELECT device_serial, last_file_id, last_file_offset, last_sync_time, total_samples_synced
		FROM device_sync_state
		WHERE device_serial = $1
	`
	var s models.SyncState
	err := r.db.QueryRowContext(ctx, query, serial).Scan(
		&s.DeviceSerial,
		&s.LastFileID,
		&s.LastFileOffset,
		&s.LastSyncTime,
		&s.TotalSamplesSynced,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Save upserts a watermark. The stored watermark never moves backwards;
// the sample total is always taken from the caller.
func (r *SyncStateRepository) Save(ctx context.Context, s models.SyncState) error {
	const query = `
		INSERT INTO device_sync_state (device_serial, last_file_id, last_file_offset, last_sync_time, total_samples_synced)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_serial) DO UPDATE SET
			last_file_id = CASE
				WHEN (EXCLUDED.last_file_id, EXCLUDED.last_file_offset) >= (device_sync_state.last_file_id, device_sync_state.last_file_offset)
				THEN EXCLUDED.last_file_id ELSE device_sync_state.last_file_id END,
			last_file_offset = CASE
				WHEN (EXCLUDED.last_file_id, EXCLUDED.last_file_offset) >= (device_sync_state.last_file_id, device_sync_state.last_file_offset)
				THEN EXCLUDED.last_file_offset ELSE device_sync_state.last_file_offset END,
			last_sync_time = EXCLUDED.last_sync_time,
			total_samples_synced = EXCLUDED.total_samples_synced
	`
	_, err := r.db.ExecContext(ctx, query,
		s.DeviceSerial,
		s.LastFileID,
		s.LastFileOffset,
		s.LastSyncTime,
		s.TotalSamplesSynced,
	)
	return err
}
