// Package ftpsclient implements the implicit-TLS FTPS session to the
// printer's SD card: directory listing, streaming download, blocking
// upload, and the rename/delete/mkdir file operations, all supervised by a
// reconnect loop that the connection orchestrator can pause.
//
// The printer refuses data connections that do not resume the control
// channel's TLS session, so the one tls.Config (with a shared
// ClientSessionCache) is used for both.
package ftpsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/secsy/goftp"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
)

const (
	DefaultPort     = 990
	DefaultUsername = "bblp"

	opTimeout          = 30 * time.Second
	stableConnectDelay = time.Second
	modifiedLayout     = "2006-01-02 15:04"
)

// Config identifies one printer's FTPS endpoint.
type Config struct {
	Host       string
	Port       int
	Username   string
	AccessCode string
}

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	SizeBytes   int64  `json:"size_bytes"`
	Modified    string `json:"modified"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	IsDirectory bool   `json:"is_directory"`
}

// DirectoryListing is the file browser payload. IsFallback marks listings
// produced while the channel is down; callers that need real data (the
// print-job pipeline) must treat those as unavailable.
type DirectoryListing struct {
	Files          []FileEntry `json:"files"`
	CurrentPath    string      `json:"current_path"`
	IsConnected    bool        `json:"is_connected"`
	IsReconnecting bool        `json:"is_reconnecting,omitempty"`
	FileCount      int         `json:"file_count"`
	DirectoryCount int         `json:"directory_count"`
	IsFallback     bool        `json:"is_fallback"`
}

// StatusListener receives debounced status transitions; wired to the state
// orchestrator's SetFtpsStatus.
type StatusListener func(status model.FtpsStatus)

// Service wraps the goftp client with reconnect supervision and the upload
// state machine.
type Service struct {
	cfg      Config
	listener StatusListener

	// sessionCache persists across redials so resumed TLS sessions keep
	// working after a reconnect.
	sessionCache tls.ClientSessionCache

	mu              sync.Mutex
	client          *goftp.Client
	status          model.FtpsStatus
	started         bool
	reconnecting    bool
	reconnectCancel context.CancelFunc
	stableTimer     *time.Timer

	reconnectPaused sync.Map // single key "paused" -> bool; cheap atomic flag

	// transferSem serializes data transfers; the control channel mutex
	// lives inside goftp's connection pool.
	transferSem chan struct{}

	upload uploadTracker

	// storeFunc indirection lets tests exercise the upload state machine
	// without a live printer.
	storeFunc func(remotePath string, src io.Reader) error
}

func NewService(cfg Config, listener StatusListener) *Service {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}
	s := &Service{
		cfg:          cfg,
		listener:     listener,
		sessionCache: tls.NewLRUClientSessionCache(8),
		status:       model.FtpsDisconnected,
		transferSem:  make(chan struct{}, 1),
	}
	s.storeFunc = s.storeRemote
	return s
}

// Start begins connecting in the background. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.connect()
}

// Stop tears the session down.
func (s *Service) Stop() {
	s.mu.Lock()
	s.started = false
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
		s.reconnecting = false
	}
	if s.stableTimer != nil {
		s.stableTimer.Stop()
		s.stableTimer = nil
	}
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	s.notifyStatus(model.FtpsDisconnected)
	slog.Info("ftps service stopped", "host", s.cfg.Host)
}

// SetReconnectPaused gates the reconnect loop; while paused the service
// never dials, so a dead printer doesn't generate connection storms.
func (s *Service) SetReconnectPaused(paused bool) {
	s.reconnectPaused.Store("paused", paused)
	if paused {
		s.mu.Lock()
		if s.reconnectCancel != nil {
			s.reconnectCancel()
			s.reconnectCancel = nil
			s.reconnecting = false
		}
		s.mu.Unlock()
	}
}

func (s *Service) isReconnectPaused() bool {
	v, ok := s.reconnectPaused.Load("paused")
	return ok && v.(bool)
}

// ReconnectPaused is exposed for the connection-gating tests.
func (s *Service) ReconnectPaused() bool { return s.isReconnectPaused() }

func (s *Service) connect() bool {
	if s.isReconnectPaused() {
		return false
	}

	client, err := goftp.DialConfig(goftp.Config{
		User:               s.cfg.Username,
		Password:           s.cfg.AccessCode,
		ConnectionsPerHost: 2,
		Timeout:            opTimeout,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
			ClientSessionCache: s.sessionCache,
		},
		TLSMode: goftp.TLSImplicit,
	}, fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err == nil {
		// DialConfig is lazy; force a control connection to prove the
		// printer is reachable and the access code works.
		_, err = client.Getwd()
	}
	if err != nil {
		if client != nil {
			client.Close()
		}
		slog.Warn("ftps connect failed", "host", s.cfg.Host, "error", err)
		s.notifyStatus(model.FtpsDisconnected)
		s.startReconnection()
		return false
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.reconnecting = false
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	slog.Info("ftps connected", "host", s.cfg.Host)
	s.scheduleStableConnected()
	return true
}

// scheduleStableConnected publishes "connected" only after the control
// channel has survived a short debounce window.
func (s *Service) scheduleStableConnected() {
	s.mu.Lock()
	if s.stableTimer != nil {
		s.stableTimer.Stop()
	}
	s.stableTimer = time.AfterFunc(stableConnectDelay, func() {
		s.mu.Lock()
		alive := s.client != nil
		s.mu.Unlock()
		if alive {
			s.notifyStatus(model.FtpsConnected)
		}
	})
	s.mu.Unlock()
}

func (s *Service) notifyStatus(status model.FtpsStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener(status)
	}
}

// Status returns the current debounced channel status.
func (s *Service) Status() model.FtpsStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) startReconnection() {
	if s.isReconnectPaused() {
		return
	}
	s.mu.Lock()
	if s.reconnecting || !s.started {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	s.reconnectCancel = cancel
	s.mu.Unlock()

	s.notifyStatus(model.FtpsReconnecting)
	go func() {
		backoff := engine.NewBackoff(5*time.Second, 60*time.Second)
		for ctx.Err() == nil {
			if backoff.Sleep(ctx) != nil {
				return
			}
			if s.isReconnectPaused() {
				s.mu.Lock()
				s.reconnecting = false
				s.mu.Unlock()
				return
			}
			slog.Info("ftps reconnecting", "host", s.cfg.Host)
			if s.connectAttempt() {
				return
			}
		}
	}()
}

// connectAttempt is connect() without triggering another reconnection loop.
func (s *Service) connectAttempt() bool {
	client, err := goftp.DialConfig(goftp.Config{
		User:               s.cfg.Username,
		Password:           s.cfg.AccessCode,
		ConnectionsPerHost: 2,
		Timeout:            opTimeout,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
			ClientSessionCache: s.sessionCache,
		},
		TLSMode: goftp.TLSImplicit,
	}, fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err == nil {
		_, err = client.Getwd()
	}
	if err != nil {
		if client != nil {
			client.Close()
		}
		return false
	}
	s.mu.Lock()
	old := s.client
	s.client = client
	s.reconnecting = false
	s.reconnectCancel = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	slog.Info("ftps reconnected", "host", s.cfg.Host)
	s.scheduleStableConnected()
	return true
}

func (s *Service) currentClient() *goftp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// handleOpError classifies an operation failure: hard transport failures
// drop the client and enter the reconnect loop, soft per-file errors (550)
// pass through untouched.
func (s *Service) handleOpError(err error) error {
	domain := normalizeError(err)
	if domain.Status == 404 || domain.Status == 409 {
		return domain
	}

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Close()
	}
	s.notifyStatus(model.FtpsDisconnected)
	s.startReconnection()
	return domain
}

// normalizeError maps goftp errors onto the domain taxonomy.
func normalizeError(err error) *apperr.DomainError {
	if err == nil {
		return nil
	}
	var ftpErr goftp.Error
	if ok := asGoftpError(err, &ftpErr); ok {
		return apperr.FromFTPStatus(ftpErr.Code(), ftpErr.Message())
	}
	return apperr.ServiceUnavailable(err.Error())
}

func asGoftpError(err error, target *goftp.Error) bool {
	if ftpErr, ok := err.(goftp.Error); ok {
		*target = ftpErr
		return true
	}
	return false
}

// ListFiles lists a directory with the ".." navigation entry, directories
// first. While disconnected it returns an empty fallback listing so the UI
// can render something without blocking.
func (s *Service) ListFiles(rawPath string) DirectoryListing {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		slog.Warn("invalid listing path", "path", rawPath, "error", err)
		return s.fallbackListing("/")
	}

	client := s.currentClient()
	if client == nil {
		s.startReconnection()
		return s.fallbackListing(normalized)
	}

	infos, err := client.ReadDir(toClientPath(normalized))
	if err != nil {
		slog.Warn("ftps list failed", "path", normalized, "error", err)
		s.handleOpError(err)
		return s.fallbackListing(normalized)
	}
	s.scheduleStableConnected()

	entries := []FileEntry{}
	if normalized != "/" {
		entries = append(entries, FileEntry{
			Name: "..", Size: "-", Path: parentPath(normalized), Type: "dir", IsDirectory: true,
		})
	}
	for _, info := range infos {
		entry := FileEntry{
			Name:        info.Name(),
			Modified:    info.ModTime().Format(modifiedLayout),
			Path:        strings.ReplaceAll(normalized+"/"+info.Name(), "//", "/"),
			IsDirectory: info.IsDir(),
		}
		if info.IsDir() {
			entry.Size = "-"
			entry.Type = "dir"
		} else {
			entry.Size = formatSize(info.Size())
			entry.SizeBytes = info.Size()
			entry.Type = "file"
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	listing := DirectoryListing{
		Files:       entries,
		CurrentPath: normalized,
		IsConnected: true,
	}
	for _, e := range entries {
		if e.IsDirectory && e.Name != ".." {
			listing.DirectoryCount++
		} else if !e.IsDirectory {
			listing.FileCount++
		}
	}
	return listing
}

func (s *Service) fallbackListing(currentPath string) DirectoryListing {
	s.mu.Lock()
	reconnecting := s.reconnecting
	s.mu.Unlock()

	entries := []FileEntry{}
	if currentPath != "/" {
		entries = append(entries, FileEntry{
			Name: "..", Size: "-", Path: parentPath(currentPath), Type: "dir", IsDirectory: true,
		})
	}
	return DirectoryListing{
		Files:          entries,
		CurrentPath:    currentPath,
		IsConnected:    false,
		IsReconnecting: reconnecting,
		IsFallback:     true,
	}
}

// StreamFile downloads a remote file into w, reporting cumulative bytes to
// progress (which may be nil). Transfers hold the single-slot semaphore.
func (s *Service) StreamFile(rawPath string, w io.Writer, progress func(sent int64)) error {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	client := s.currentClient()
	if client == nil {
		s.startReconnection()
		return apperr.ServiceUnavailable("FTPS is not connected")
	}

	s.transferSem <- struct{}{}
	defer func() { <-s.transferSem }()

	dest := &countingWriter{w: w, progress: progress}
	if err := client.Retrieve(toClientPath(normalized), dest); err != nil {
		return s.handleOpError(err)
	}
	s.scheduleStableConnected()
	return nil
}

// RemoteFileSize resolves a file's byte size from its parent listing, or -1
// if it cannot be determined.
func (s *Service) RemoteFileSize(rawPath string) int64 {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return -1
	}
	listing := s.ListFiles(parentPath(normalized))
	if !listing.IsConnected {
		return -1
	}
	for _, entry := range listing.Files {
		if !entry.IsDirectory && entry.Path == normalized {
			return entry.SizeBytes
		}
	}
	return -1
}

// CreateFolder makes a directory under path with a sanitized name.
func (s *Service) CreateFolder(rawPath, folderName string) error {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	safe := sanitizeFolderName(folderName)
	if safe == "" {
		return apperr.BadRequest("Folder name cannot be empty")
	}
	client := s.currentClient()
	if client == nil {
		s.startReconnection()
		return apperr.ServiceUnavailable("FTPS is not connected")
	}
	if _, err := client.Mkdir(composeRemotePath(normalized, safe)); err != nil {
		return s.handleOpError(err)
	}
	return nil
}

// Rename changes a file or folder's basename within its directory.
func (s *Service) Rename(rawPath, newName string) error {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return apperr.BadRequest(err.Error())
	}
	if normalized == "/" {
		return apperr.BadRequest("Cannot rename root directory")
	}
	clean := strings.TrimSpace(newName)
	if clean == "" {
		return apperr.BadRequest("New name cannot be empty")
	}
	if strings.ContainsAny(clean, "/\\") {
		return apperr.BadRequest("New name cannot contain path separators")
	}
	safe := sanitizeFolderName(clean)
	if safe == "" {
		return apperr.BadRequest("New name is invalid")
	}

	client := s.currentClient()
	if client == nil {
		s.startReconnection()
		return apperr.ServiceUnavailable("FTPS is not connected")
	}
	target := composeRemotePath(parentPath(normalized), safe)
	if err := client.Rename(toClientPath(normalized), target); err != nil {
		return s.handleOpError(err)
	}
	return nil
}

// Delete removes a file or empty directory. A 550 reply reports false
// without an error, matching the soft not-found semantics.
func (s *Service) Delete(rawPath string) (bool, error) {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return false, apperr.BadRequest(err.Error())
	}
	client := s.currentClient()
	if client == nil {
		s.startReconnection()
		return false, apperr.ServiceUnavailable("FTPS is not connected")
	}
	if err := client.Delete(toClientPath(normalized)); err != nil {
		if rmErr := client.Rmdir(toClientPath(normalized)); rmErr == nil {
			return true, nil
		}
		domain := normalizeError(err)
		if domain.Status == 404 {
			return false, nil
		}
		return false, s.handleOpError(err)
	}
	return true, nil
}

// CheckConnection reports channel health for the health endpoint.
func (s *Service) CheckConnection() map[string]any {
	s.mu.Lock()
	status := s.status
	reconnecting := s.reconnecting
	connected := s.client != nil
	s.mu.Unlock()
	return map[string]any{
		"status":          string(status),
		"connected":       connected,
		"is_reconnecting": reconnecting,
	}
}

type countingWriter struct {
	w        io.Writer
	sent     int64
	progress func(sent int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.sent += int64(n)
	if c.progress != nil && n > 0 {
		c.progress(c.sent)
	}
	return n, err
}
