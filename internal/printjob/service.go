package printjob

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/ftpsclient"
	"github.com/bambu-fleet/monitor/internal/model"
)

// FileBrowser is the slice of the FTPS service the pipeline needs.
type FileBrowser interface {
	ListFiles(path string) ftpsclient.DirectoryListing
	StreamFile(path string, w io.Writer, progress func(sent int64)) error
	RemoteFileSize(path string) int64
}

// CommandPublisher publishes MQTT command payloads to the active printer.
type CommandPublisher interface {
	Publish(payload map[string]any) error
}

// StateRecorder feeds derived results back into the state pipeline.
type StateRecorder interface {
	SetLastSentProjectFile(printerID string, record *model.LastSentProjectFile)
}

// PreviewSigner returns a signed token for a preview capability URL, or ""
// when signing is disabled.
type PreviewSigner func(printerID, filename, relPath string) string

// JobState is the per-printer prepare pipeline status polled by the UI.
type JobState struct {
	Active         bool           `json:"active"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	Step           string         `json:"step"`
	Message        string         `json:"message"`
	Filename       string         `json:"filename"`
	FilePath       string         `json:"file_path"`
	DownloadBytes  *int64         `json:"download_bytes"`
	DownloadTotal  *int64         `json:"download_total"`
	MetadataResult *PrepareResult `json:"metadata_result,omitempty"`
}

// Service runs prepare jobs on a single-slot queue; a new prepare for a
// printer cancels any in-flight job for the same printer.
type Service struct {
	cache       *Cache
	ftps        FileBrowser
	mqtt        CommandPublisher
	recorder    StateRecorder
	signPreview PreviewSigner

	mu      sync.Mutex
	states  map[string]*JobState
	cancels map[string]context.CancelFunc

	queue chan queuedJob
	stop  chan struct{}
	done  chan struct{}
}

type queuedJob struct {
	ctx context.Context
	run func(ctx context.Context)
}

func NewService(cacheDir string, ftps FileBrowser, mqtt CommandPublisher, recorder StateRecorder, signPreview PreviewSigner) *Service {
	s := &Service{
		cache:       NewCache(cacheDir),
		ftps:        ftps,
		mqtt:        mqtt,
		recorder:    recorder,
		signPreview: signPreview,
		states:      map[string]*JobState{},
		cancels:     map[string]context.CancelFunc{},
		queue:       make(chan queuedJob, 16),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Service) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case job := <-s.queue:
			if job.ctx.Err() == nil {
				job.run(job.ctx)
			}
		}
	}
}

// Shutdown cancels every active job and stops the worker.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = map[string]context.CancelFunc{}
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

// Prepare schedules the fetch/extract/parse pipeline for filename,
// replacing any in-flight job for the same printer.
func (s *Service) Prepare(printerID, filename string) {
	slog.Info("preparing print job", "printer_id", printerID, "file", filename)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if old, ok := s.cancels[printerID]; ok {
		old()
	}
	s.cancels[printerID] = cancel
	s.mu.Unlock()

	select {
	case s.queue <- queuedJob{ctx: ctx, run: func(ctx context.Context) { s.runPrepare(ctx, printerID, filename) }}:
	case <-s.stop:
		cancel()
	}
}

// Cancel aborts the in-flight job for printerID, if any.
func (s *Service) Cancel(printerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[printerID]; ok {
		cancel()
	}
}

// JobStatus returns the current pipeline state for printerID.
func (s *Service) JobStatus(printerID string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[printerID]; ok {
		return *state
	}
	return JobState{Status: "idle"}
}

type stateUpdate func(*JobState)

func (s *Service) setJobState(printerID string, updates ...stateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[printerID]
	if !ok {
		state = &JobState{Status: "idle"}
		s.states[printerID] = state
	}
	for _, update := range updates {
		update(state)
	}
}

func setError(message string) stateUpdate {
	return func(st *JobState) {
		st.Active = false
		st.Status = "error"
		st.Step = "Error"
		st.Message = message
		st.DownloadBytes = nil
		st.DownloadTotal = nil
	}
}

func setProgress(progress int, step string) stateUpdate {
	return func(st *JobState) {
		st.Progress = progress
		st.Step = step
	}
}

func (s *Service) runPrepare(ctx context.Context, printerID, filename string) {
	displayName, remotePath, parentRemote, err := normalizeJobInput(filename)
	if err != nil {
		s.setJobState(printerID, setError(err.Error()))
		return
	}

	s.setJobState(printerID, func(st *JobState) {
		*st = JobState{
			Active:   true,
			Status:   "running",
			Step:     "Preparing print file...",
			Filename: displayName,
			FilePath: remotePath,
		}
	})
	s.setJobState(printerID, setProgress(20, "Checking cache..."))

	listing := s.ftps.ListFiles(parentRemote)
	if !listing.IsConnected || listing.IsFallback {
		s.setJobState(printerID, setError("Printer storage unavailable"))
		return
	}
	var entry *ftpsclient.FileEntry
	for i := range listing.Files {
		candidate := &listing.Files[i]
		if candidate.IsDirectory {
			continue
		}
		if candidate.Path == remotePath || (candidate.Path == "" && candidate.Name == displayName) {
			entry = candidate
			break
		}
	}
	if entry == nil {
		s.setJobState(printerID, setError("File not found on printer"))
		return
	}

	filePath, _ := s.cache.Paths(printerID, displayName)
	if s.cache.IsValid(printerID, displayName, entry.Modified, entry.Size, remotePath) {
		s.setJobState(printerID, setProgress(40, "Using cached file"), func(st *JobState) {
			st.DownloadBytes = nil
			st.DownloadTotal = nil
		})
	} else {
		if !s.download(ctx, printerID, displayName, remotePath, entry) {
			return
		}
	}
	if s.cancelled(ctx, printerID) {
		return
	}

	s.setJobState(printerID, setProgress(70, "File ready (not yet extracted)"))
	s.setJobState(printerID, setProgress(75, "Extracting 3MF archive..."))

	extractDir, err := extract3MF(filePath)
	if err != nil {
		s.setJobState(printerID, setError(err.Error()))
		return
	}
	if s.cancelled(ctx, printerID) {
		return
	}

	s.setJobState(printerID, setProgress(85, "Parsing slice metadata..."))

	result := s.buildResult(printerID, displayName, remotePath, extractDir)
	if result == nil {
		s.setJobState(printerID, setError("Plate gcode file not found in 3MF"))
		return
	}

	s.setJobState(printerID, func(st *JobState) {
		st.Active = false
		st.Status = "completed"
		st.Progress = 100
		st.Step = "Ready for print setup"
		st.FilePath = remotePath
		st.MetadataResult = result
	})
}

func (s *Service) cancelled(ctx context.Context, printerID string) bool {
	if ctx.Err() == nil {
		return false
	}
	s.setJobState(printerID, func(st *JobState) {
		st.Active = false
		st.Status = "cancelled"
		st.Step = "Cancelled"
		st.Message = "Cancelled by user"
		st.DownloadBytes = nil
		st.DownloadTotal = nil
	})
	return true
}

// download streams the remote file into <cache>/<printer>/<name>.tmp with
// throttled progress, committing via atomic rename plus a meta write.
func (s *Service) download(ctx context.Context, printerID, displayName, remotePath string, entry *ftpsclient.FileEntry) bool {
	filePath, _ := s.cache.Paths(printerID, displayName)
	tempPath := filePath + ".tmp"

	var total *int64
	if entry.SizeBytes > 0 {
		size := entry.SizeBytes
		total = &size
	} else if size := s.ftps.RemoteFileSize(remotePath); size >= 0 {
		total = &size
	}

	zero := int64(0)
	s.setJobState(printerID, setProgress(40, "Downloading from printer"), func(st *JobState) {
		st.DownloadBytes = &zero
		st.DownloadTotal = total
	})

	out, err := os.Create(tempPath)
	if err != nil {
		s.setJobState(printerID, setError("Download failed"))
		return false
	}

	writer := &downloadWriter{
		ctx:     ctx,
		w:       out,
		service: s,
		printer: printerID,
		total:   total,
	}
	streamErr := s.ftps.StreamFile(remotePath, writer, nil)
	closeErr := out.Close()

	if ctx.Err() != nil {
		os.Remove(tempPath)
		s.cancelled(ctx, printerID)
		return false
	}
	if streamErr != nil || closeErr != nil {
		os.Remove(tempPath)
		slog.Warn("download failed", "path", remotePath, "error", streamErr)
		s.setJobState(printerID, setError("Download failed"))
		return false
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		s.setJobState(printerID, setError("Download failed"))
		return false
	}
	if err := s.cache.WriteMeta(printerID, displayName, entry.Modified, entry.Size, remotePath); err != nil {
		slog.Warn("cache meta write failed", "error", err)
	}

	s.setJobState(printerID, setProgress(60, "Download complete"), func(st *JobState) {
		st.DownloadBytes = nil
		st.DownloadTotal = nil
	})
	return true
}

// downloadWriter persists chunks, aborts on cancellation, and emits
// progress at most every 250ms.
type downloadWriter struct {
	ctx        context.Context
	w          io.Writer
	service    *Service
	printer    string
	total      *int64
	written    int64
	lastUpdate time.Time
}

func (d *downloadWriter) Write(p []byte) (int, error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.w.Write(p)
	d.written += int64(n)

	now := time.Now()
	complete := d.total != nil && d.written >= *d.total
	if now.Sub(d.lastUpdate) >= 250*time.Millisecond || complete {
		d.lastUpdate = now
		written := d.written
		d.service.setJobState(d.printer, func(st *JobState) {
			st.DownloadBytes = &written
			st.DownloadTotal = d.total
			st.Step = "Downloading from printer"
			if d.total != nil && *d.total > 0 {
				fraction := float64(written) / float64(*d.total)
				if fraction > 1 {
					fraction = 1
				}
				st.Progress = min(40+int(fraction*20), 60)
			}
		})
	}
	return n, err
}

// normalizeJobInput validates the request path per the pipeline contract:
// POSIX-absolute, no traversal, with the display name as the basename.
func normalizeJobInput(filename string) (displayName, remotePath, parentRemote string, err error) {
	raw := strings.TrimSpace(filename)
	raw = strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(strings.ToLower(raw), "ftp://") {
		raw = raw[6:]
	}
	displayName = path.Base(raw)
	if displayName == "" || displayName == "." || displayName == "/" {
		return "", "", "", fmt.Errorf("Invalid file name")
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", "", "", fmt.Errorf("Invalid file path")
		}
	}
	remotePath = "/" + strings.TrimPrefix(raw, "/")
	if remotePath == "/" {
		return "", "", "", fmt.Errorf("Invalid file path")
	}
	parentRemote = path.Dir(remotePath)
	if parentRemote == "" || parentRemote == "." {
		parentRemote = "/"
	}
	return displayName, remotePath, parentRemote, nil
}

// extract3MF unzips the bundle into a directory named after its stem,
// requiring a Metadata/ folder.
func extract3MF(filePath string) (string, error) {
	extractDir := extractDirFor(filePath)
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", fmt.Errorf("3MF extract failed: %v", err)
	}

	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return "", fmt.Errorf("Invalid 3MF file (not a zip)")
	}
	defer zr.Close()

	for _, file := range zr.File {
		target := filepath.Join(extractDir, filepath.FromSlash(file.Name))
		if !strings.HasPrefix(target, filepath.Clean(extractDir)+string(os.PathSeparator)) {
			continue
		}
		if file.FileInfo().IsDir() {
			os.MkdirAll(target, 0o755)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("3MF extract failed: %v", err)
		}
		src, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("3MF extract failed: %v", err)
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return "", fmt.Errorf("3MF extract failed: %v", err)
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return "", fmt.Errorf("3MF extract failed: %v", copyErr)
		}
	}

	if !fileExists(filepath.Join(extractDir, "Metadata")) {
		return "", fmt.Errorf("Metadata folder missing in 3MF file")
	}
	return extractDir, nil
}

// detectPlateFiles finds the default plate (plate_1.gcode preferred) and
// every plate gcode under Metadata/, naturally ordered.
func detectPlateFiles(extractDir string) (defaultPlate string, plateFiles []string) {
	metadataDir := filepath.Join(extractDir, "Metadata")
	entries, err := os.ReadDir(metadataDir)
	if err != nil {
		return "", nil
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".gcode") {
			continue
		}
		plateFiles = append(plateFiles, entry.Name())
	}
	sort.SliceStable(plateFiles, func(i, j int) bool {
		a, b := extractPlateIndex(plateFiles[i]), extractPlateIndex(plateFiles[j])
		ai, bi := 9999, 9999
		if a != nil {
			ai = *a
		}
		if b != nil {
			bi = *b
		}
		if ai != bi {
			return ai < bi
		}
		return strings.ToLower(plateFiles[i]) < strings.ToLower(plateFiles[j])
	})

	if len(plateFiles) == 0 {
		return "", nil
	}
	defaultPlate = plateFiles[0]
	for _, name := range plateFiles {
		if name == "plate_1.gcode" {
			defaultPlate = name
			break
		}
	}
	return filepath.Join(metadataDir, defaultPlate), plateFiles
}

// ExecuteParams is the knob set of the project_file command.
type ExecuteParams struct {
	URL           string `json:"url"`
	Plate         string `json:"plate"`
	BedLeveling   bool   `json:"bed_leveling"`
	FlowCali      bool   `json:"flow_cali"`
	Timelapse     bool   `json:"timelapse"`
	UseAms        *bool  `json:"use_ams"`
	AmsMapping    []int  `json:"ams_mapping"`
	LayerInspect  *bool  `json:"layer_inspect"`
	VibrationCali *bool  `json:"vibration_cali"`
}

// ExecutePrint publishes the project_file command and records it as the
// printer's last sent project file.
func (s *Service) ExecutePrint(printerID string, params ExecuteParams) error {
	if params.URL == "" || params.Plate == "" {
		return apperr.BadRequest("url and plate are required")
	}
	if s.mqtt == nil {
		return apperr.ServiceUnavailable("MQTT service unavailable")
	}

	useAms := params.UseAms == nil || *params.UseAms
	layerInspect := params.LayerInspect == nil || *params.LayerInspect
	vibrationCali := params.VibrationCali == nil || *params.VibrationCali
	amsMapping := params.AmsMapping
	if amsMapping == nil {
		amsMapping = []int{}
	}

	payload := map[string]any{
		"print": map[string]any{
			"sequence_id":    "0",
			"command":        "project_file",
			"url":            params.URL,
			"param":          params.Plate,
			"bed_leveling":   params.BedLeveling,
			"flow_cali":      params.FlowCali,
			"timelapse":      params.Timelapse,
			"use_ams":        useAms,
			"ams_mapping":    amsMapping,
			"layer_inspect":  layerInspect,
			"vibration_cali": vibrationCali,
		},
	}
	if err := s.mqtt.Publish(payload); err != nil {
		return err
	}

	record := &model.LastSentProjectFile{
		Command:       "project_file",
		URL:           params.URL,
		File:          filenameFromURL(params.URL),
		Plate:         params.Plate,
		BedLeveling:   params.BedLeveling,
		FlowCali:      params.FlowCali,
		Timelapse:     params.Timelapse,
		UseAms:        useAms,
		LayerInspect:  layerInspect,
		VibrationCali: vibrationCali,
		AmsMapping:    params.AmsMapping,
		SentAt:        time.Now().UTC(),
	}
	if s.recorder != nil {
		s.recorder.SetLastSentProjectFile(printerID, record)
	}
	return nil
}

func filenameFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	target := raw
	if err == nil && parsed.Path != "" {
		target = parsed.Path
	}
	return path.Base(target)
}
