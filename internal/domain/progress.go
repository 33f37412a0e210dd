package domain

import "time"

// Progress is the live telemetry of a single task.
type Progress struct {
	TaskID          string     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	Percentage      float64    `json:"percentage"`
	DownloadRateBps int64      `json:"download_rate_bps"`
	UploadRateBps   int64      `json:"upload_rate_bps"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	TotalBytes      int64      `json:"total_bytes"`
	NumPeers        int        `json:"num_peers"`
	NumSeeds        int        `json:"num_seeds"`
	Error           string     `json:"error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Percentage returns downloaded/total scaled to 0..100, or 0 while the total
// is still unknown.
func Percentage(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	if downloaded >= total {
		return 100
	}
	if downloaded <= 0 {
		return 0
	}
	return float64(downloaded) / float64(total) * 100
}
