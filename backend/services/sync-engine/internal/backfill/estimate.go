package backfill

import (
	"time"

	"fleetsync/backend/services/sync-engine/internal/models"
)

// AverageBytesPerSample sizes a listing without decoding it. It is an
// approximation: files can carry headers and partial trailing records, so
// EstimatedSamples is a sizing hint and never an exact count.
const AverageBytesPerSample = 20

// TimeRange summarizes a file listing.
type TimeRange struct {
	OldestTime       time.Time `json:"oldest_time"`
	NewestTime       time.Time `json:"newest_time"`
	TotalBytes       int64     `json:"total_bytes"`
	EstimatedSamples int64     `json:"estimated_samples"`
}

// EstimateTimeRange derives the covered period from file ids, which are the
// unix times the files were opened. NewestTime is therefore the start of the
// newest file. An empty listing yields the zero range.
func EstimateTimeRange(files []models.LogFile) TimeRange {
	if len(files) == 0 {
		return TimeRange{}
	}

	oldest, newest := files[0].ID, files[0].ID
	var total int64
	for _, f := range files {
		if f.ID < oldest {
			oldest = f.ID
		}
		if f.ID > newest {
			newest = f.ID
		}
		total += f.Size
	}

	return TimeRange{
		OldestTime:       time.Unix(oldest, 0).UTC(),
		NewestTime:       time.Unix(newest, 0).UTC(),
		TotalBytes:       total,
		EstimatedSamples: total / AverageBytesPerSample,
	}
}
