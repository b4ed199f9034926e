package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"fleetsync/backend/services/sync-engine/internal/models"
)

var measurementColumns = []string{
	"device_id", "recorded_at", "voltage1", "voltage2", "current", "power",
	"temperature", "state_of_charge", "runtime_minutes", "power_status", "rssi", "source",
}

// MeasurementRepository persists measurements and device snapshots.
type MeasurementRepository struct {
	db *sql.DB
}

// NewMeasurementRepository returns repository.
func NewMeasurementRepository(db *sql.DB) *MeasurementRepository {
	return &MeasurementRepository{db: db}
}

// BulkInsertMeasurements writes the batch with COPY on the underlying pgx
// connection.
func (r *MeasurementRepository) BulkInsertMeasurements(ctx context.Context, batch []models.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, len(batch))
	for i, m := range batch {
		rows[i] = []any{
			m.DeviceID, m.RecordedAt, m.Voltage1, m.Voltage2, m.Current, m.Power,
			m.Temperature, m.StateOfCharge, m.RuntimeMinutes, m.PowerStatus, m.RSSI, m.Source,
		}
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		pgxConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.New("bulk insert requires a pgx connection")
		}
		n, err := pgxConn.Conn().CopyFrom(ctx, pgx.Identifier{"measurements"}, measurementColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy measurements: %w", err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("copy measurements: wrote %d of %d rows", n, len(rows))
		}
		return nil
	})
}

// UpsertDeviceSnapshot stores the latest reading of a device. An older
// reading never replaces a newer one; applied is false when the stored row
// was kept.
func (r *MeasurementRepository) UpsertDeviceSnapshot(ctx context.Context, s models.DeviceSnapshot) (applied bool, err error) {
	const query = `
		INSERT INTO device_snapshots (device_id, recorded_at, voltage1, voltage2, current, power,
			temperature, state_of_charge, runtime_minutes, power_status, rssi, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (device_id) DO UPDATE SET
			recorded_at = EXCLUDED.recorded_at,
			voltage1 = EXCLUDED.voltage1,
			voltage2 = EXCLUDED.voltage2,
			current = EXCLUDED.current,
			power = EXCLUDED.power,
			temperature = EXCLUDED.temperature,
			state_of_charge = EXCLUDED.state_of_charge,
			runtime_minutes = EXCLUDED.runtime_minutes,
			power_status = EXCLUDED.power_status,
			rssi = EXCLUDED.rssi,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
		WHERE device_snapshots.recorded_at <= EXCLUDED.recorded_at
	`
	m := s.Measurement
	res, err := r.db.ExecContext(ctx, query,
		s.DeviceID, m.RecordedAt, m.Voltage1, m.Voltage2, m.Current, m.Power,
		m.Temperature, m.StateOfCharge, m.RuntimeMinutes, m.PowerStatus, m.RSSI, m.Source,
		s.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestSnapshot returns the stored snapshot of a device, or nil if none.
func (r *MeasurementRepository) LatestSnapshot(ctx context.Context, deviceID string) (*models.DeviceSnapshot, error) {
	const query = `
		SELECT device_id, recorded_at, voltage1, voltage2, current, power,
			temperature, state_of_charge, runtime_minutes, power_status, rssi, source, updated_at
		FROM device_snapshots
		WHERE device_id = $1
	`
	var (
		s models.DeviceSnapshot
		m = &s.Measurement
	)
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&m.DeviceID, &m.RecordedAt, &m.Voltage1, &m.Voltage2, &m.Current, &m.Power,
		&m.Temperature, &m.StateOfCharge, &m.RuntimeMinutes, &m.PowerStatus, &m.RSSI, &m.Source,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.DeviceID = m.DeviceID
	return &s, nil
}
