package models

import "time"

// LogFile describes one historical log file stored on a device. IDs increase
// monotonically and are conventionally the unix time the file was opened.
type LogFile struct {
	ID   int64 `json:"id"`
	Size int64 `json:"size"`
}

// SyncState is the backfill watermark of one device.
type SyncState struct {
	DeviceSerial       string    `db:"device_serial" json:"device_serial"`
	LastFileID         int64     `db:"last_file_id" json:"last_file_id"`
	LastFileOffset     int64     `db:"last_file_offset" json:"last_file_offset"`
	LastSyncTime       time.Time `db:"last_sync_time" json:"last_sync_time"`
	TotalSamplesSynced int64     `db:"total_samples_synced" json:"total_samples_synced"`
}

// Before reports whether (fileID, offset) is strictly beyond the watermark.
func (s SyncState) Before(fileID, offset int64) bool {
	if fileID != s.LastFileID {
		return s.LastFileID < fileID
	}
	return s.LastFileOffset < offset
}
