package backfill

import (
	"sort"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// PendingFile is the unsynced byte range [Offset, Size) of one log file.
type PendingFile struct {
	ID     int64 `json:"id"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// Length is the number of bytes left to read.
func (p PendingFile) Length() int64 {
	return p.Size - p.Offset
}

// FilesToSync returns the pending ranges in ascending id order. With no
// state every file is pending from offset 0. Otherwise files newer than the
// watermark are fully pending and the watermark file is pending only past
// its recorded offset.
func FilesToSync(files []models.LogFile, state *models.SyncState) []PendingFile {
	sorted := append([]models.LogFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	pending := make([]PendingFile, 0, len(sorted))
	for _, f := range sorted {
		switch {
		case state == nil:
			pending = append(pending, PendingFile{ID: f.ID, Offset: 0, Size: f.Size})
		case f.ID > state.LastFileID:
			pending = append(pending, PendingFile{ID: f.ID, Offset: 0, Size: f.Size})
		case f.ID == state.LastFileID && f.Size > state.LastFileOffset:
			pending = append(pending, PendingFile{ID: f.ID, Offset: state.LastFileOffset, Size: f.Size})
		}
	}
	return pending
}
