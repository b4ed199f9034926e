package models

import "time"

// Source values for Measurement.Source.
const (
	SourcePoll     = "poll"
	SourceBackfill = "backfill"
)

// Measurement is one immutable timestamped reading from a battery monitor.
type Measurement struct {
	DeviceID       string    `db:"device_id" json:"device_id"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
	Voltage1       float64   `db:"voltage1" json:"voltage1"`
	Voltage2       float64   `db:"voltage2" json:"voltage2"`
	Current        float64   `db:"current" json:"current"`
	Power          float64   `db:"power" json:"power"`
	Temperature    float64   `db:"temperature" json:"temperature"`
	StateOfCharge  float64   `db:"state_of_charge" json:"state_of_charge"`
	RuntimeMinutes int       `db:"runtime_minutes" json:"runtime_minutes"`
	PowerStatus    string    `db:"power_status" json:"power_status"`
	RSSI           int       `db:"rssi" json:"rssi"`
	Source         string    `db:"source" json:"source"`
}

// DeviceSnapshot is the latest measurement of a device. A newer snapshot for the
// same device supersedes the previous one instead of being appended.
type DeviceSnapshot struct {
	DeviceID    string      `json:"device_id"`
	Measurement Measurement `json:"measurement"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewSnapshot wraps a measurement as the device's current state.
func NewSnapshot(m Measurement) DeviceSnapshot {
	return DeviceSnapshot{
		DeviceID:    m.DeviceID,
		Measurement: m,
		UpdatedAt:   m.RecordedAt,
	}
}
