package ftpsclient

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bambu-fleet/monitor/internal/apperr"
)

// errUploadCancelled aborts the blocking transfer from inside the reader.
var errUploadCancelled = errors.New("upload cancelled by user")

// UploadState is the status payload polled by the UI while a transfer runs.
type UploadState struct {
	Active     bool     `json:"active"`
	Status     string   `json:"status"`
	Filename   string   `json:"filename,omitempty"`
	Sent       int64    `json:"sent"`
	Total      *int64   `json:"total"`
	SpeedBps   float64  `json:"speed_bps"`
	EtaSeconds *float64 `json:"eta_seconds"`
	Message    string   `json:"message"`
	Generation int      `json:"generation"`
}

type uploadTracker struct {
	mu         sync.Mutex
	state      UploadState
	generation int
	cancelFlag *atomic.Bool
	startedAt  time.Time
}

func (u *uploadTracker) begin(filename string, total *int64) *atomic.Bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.generation++
	u.startedAt = time.Now()
	cancel := &atomic.Bool{}
	u.cancelFlag = cancel
	u.state = UploadState{
		Active:     true,
		Status:     "preparing",
		Filename:   filename,
		Total:      total,
		Message:    "Preparing file...",
		Generation: u.generation,
	}
	return cancel
}

func (u *uploadTracker) progress(sent int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.state.Active {
		return
	}
	u.state.Sent = sent
	elapsed := time.Since(u.startedAt).Seconds()
	if elapsed > 0 && sent > 0 {
		u.state.SpeedBps = float64(sent) / elapsed
		if u.state.Total != nil && *u.state.Total > sent && u.state.SpeedBps > 0 {
			eta := float64(*u.state.Total-sent) / u.state.SpeedBps
			u.state.EtaSeconds = &eta
		}
	}
	if u.state.Status == "preparing" {
		u.state.Status = "running"
		u.state.Message = ""
	}
}

func (u *uploadTracker) markCancelling() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.state.Active {
		return
	}
	u.state.Status = "cancelling"
	u.state.Message = "Cancel in progress..."
}

func (u *uploadTracker) finish(status, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.state.Active {
		return
	}
	u.state.Active = false
	u.state.Status = status
	if message != "" {
		u.state.Message = message
	}
	u.cancelFlag = nil
}

func (u *uploadTracker) snapshot() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *uploadTracker) requestCancel() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.state.Active || u.cancelFlag == nil {
		return false
	}
	if u.cancelFlag.Load() {
		return false // second cancel is a no-op
	}
	u.cancelFlag.Store(true)
	return true
}

// Upload stores src as filename under targetPath, blocking until the
// transfer finishes. The transfer runs synchronously on its own data
// connection; callers wanting async behavior run it on a goroutine.
func (s *Service) Upload(src io.Reader, size *int64, filename, targetPath string) error {
	normalized, err := normalizePath(targetPath)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	if filename == "" {
		return apperr.BadRequest("Invalid file")
	}

	s.upload.mu.Lock()
	if s.upload.state.Active {
		s.upload.mu.Unlock()
		return apperr.Conflict("Another upload is already running")
	}
	s.upload.mu.Unlock()

	client := s.currentClient()
	if client == nil && s.storeFunc == nil {
		s.startReconnection()
		return apperr.ServiceUnavailable("FTPS is not connected")
	}

	cancelFlag := s.upload.begin(filename, size)
	remote := composeRemotePath(normalized, filename)

	reader := &cancellableReader{r: src, cancelled: cancelFlag, onChunk: s.upload.progress}

	s.transferSem <- struct{}{}
	err = s.storeFunc(remote, reader)
	<-s.transferSem

	switch {
	case errors.Is(err, errUploadCancelled) || cancelFlag.Load():
		s.upload.finish("cancelled", "Upload cancelled")
		return apperr.Cancelled("Upload cancelled by user")
	case err != nil:
		s.upload.finish("error", err.Error())
		return s.handleOpError(err)
	}

	s.upload.finish("completed", "Upload completed")
	s.scheduleStableConnected()
	return nil
}

func (s *Service) storeRemote(remotePath string, src io.Reader) error {
	client := s.currentClient()
	if client == nil {
		return apperr.ServiceUnavailable("FTPS is not connected")
	}
	return client.Store(remotePath, src)
}

// UploadStatus returns the current upload state machine snapshot.
func (s *Service) UploadStatus() UploadState { return s.upload.snapshot() }

// CancelUpload requests cancellation of the active upload; the blocking
// transfer observes the flag on its next chunk.
func (s *Service) CancelUpload() bool {
	if s.upload.requestCancel() {
		s.upload.markCancelling()
		return true
	}
	return false
}

type cancellableReader struct {
	r         io.Reader
	sent      int64
	cancelled *atomic.Bool
	onChunk   func(sent int64)
}

func (c *cancellableReader) Read(p []byte) (int, error) {
	if c.cancelled != nil && c.cancelled.Load() {
		return 0, errUploadCancelled
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		if c.onChunk != nil {
			c.onChunk(c.sent)
		}
	}
	return n, err
}
