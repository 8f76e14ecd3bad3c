package sessions

import (
	"path"
	"sync"
	"time"

	"github.com/haasonsaas/pilot/pkg/models"
)

// Downloads tracks files downloading inside one live browser session. The
// tracker is process-local; after a crash the surviving files can still be
// found by listing the remote download directory.
type Downloads struct {
	mu     sync.Mutex
	byGUID map[string]*models.Download
	order  []string
}

func newDownloads() *Downloads {
	return &Downloads{byGUID: make(map[string]*models.Download)}
}

// Begin records a download the browser is about to start. The remote side
// names the file on disk by its GUID, so the path is dir/guid while Filename
// keeps the suggested name for humans.
func (d *Downloads) Begin(guid, suggestedFilename, url, dir string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byGUID[guid]; ok {
		return
	}
	d.byGUID[guid] = &models.Download{
		GUID:      guid,
		Filename:  suggestedFilename,
		Path:      path.Join(dir, guid),
		URL:       url,
		Status:    models.DownloadStarted,
		StartedAt: now,
	}
	d.order = append(d.order, guid)
}

// Progress applies a progress event. State follows the debugger vocabulary
// (inProgress, completed, canceled); unknown GUIDs are ignored.
func (d *Downloads) Progress(guid string, receivedBytes, totalBytes int64, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.byGUID[guid]
	if !ok {
		return
	}

	dl.ReceivedBytes = receivedBytes
	if totalBytes > 0 {
		dl.TotalBytes = totalBytes
		dl.Progress = float64(receivedBytes) / float64(totalBytes) * 100
	}

	switch state {
	case "completed":
		dl.Status = models.DownloadCompleted
		dl.Progress = 100
	case "canceled":
		dl.Status = models.DownloadFailed
	default:
		dl.Status = models.DownloadInProgress
	}
}

// List returns a copy of all tracked downloads in start order.
func (d *Downloads) List() []models.Download {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Download, 0, len(d.order))
	for _, guid := range d.order {
		out = append(out, *d.byGUID[guid])
	}
	return out
}

// InFlight reports how many downloads have not reached a terminal state.
func (d *Downloads) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, dl := range d.byGUID {
		if dl.Status == models.DownloadStarted || dl.Status == models.DownloadInProgress {
			n++
		}
	}
	return n
}

// Clear drops all tracked downloads.
func (d *Downloads) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byGUID = make(map[string]*models.Download)
	d.order = nil
}
