package models

import "time"

// DownloadStatus is the state of one tracked browser download.
type DownloadStatus string

const (
	DownloadStarted    DownloadStatus = "started"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// Download tracks one file download inside a live browser session. The
// record is process-local; after a crash it can be rebuilt by listing the
// remote download directory.
type Download struct {
	GUID          string         `json:"guid"`
	Filename      string         `json:"filename"`
	Path          string         `json:"path"`
	URL           string         `json:"url,omitempty"`
	TotalBytes    int64          `json:"total_bytes"`
	ReceivedBytes int64          `json:"received_bytes"`
	Progress      float64        `json:"progress"`
	Status        DownloadStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
}
