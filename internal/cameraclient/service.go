package cameraclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
)

const (
	relayMonitorInterval = 5 * time.Second
	relayStopTimeout     = 5 * time.Second
	webrtcPostTimeout    = 8 * time.Second
)

// Config carries the process-level camera tunables.
type Config struct {
	CamInterval     time.Duration
	Go2RtcPath      string
	Go2RtcPort      int
	Go2RtcLogOutput bool
	DataDir         string
}

// Access describes one way a client can view a printer's camera.
type Access struct {
	Mode       string `json:"mode"`
	URL        string `json:"url"`
	Source     string `json:"source"`
	StreamType string `json:"stream_type"`
}

// Service resolves camera access for the active printer, owns the internal
// JPEG reader, supervises the external go2rtc relay process, and tracks
// WebRTC viewer sessions.
type Service struct {
	printer model.PrinterDefinition
	cfg     Config
	sink    StateSink

	Sessions *SessionManager

	reader *Reader

	mu            sync.Mutex
	started       bool
	relayCmd      *exec.Cmd
	relayExited   *atomic.Bool
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	listenerMu sync.Mutex
	listeners  map[int]func([]byte)
	listenerID int

	// Mux fans the internal JPEG stream out to MJPEG HTTP viewers; the
	// source starts when the first viewer connects.
	Mux *engine.StreamMux
}

func NewService(printer model.PrinterDefinition, cfg Config, sink StateSink) *Service {
	if cfg.Go2RtcPort == 0 {
		cfg.Go2RtcPort = 1984
	}
	s := &Service{
		printer:   printer,
		cfg:       cfg,
		sink:      sink,
		Sessions:  NewSessionManager(DefaultMaxViewers, DefaultSessionTTL),
		listeners: map[int]func([]byte){},
	}
	if s.supportsInternalStream() {
		s.reader = NewReader(printer.ID, printer.PrinterIP, printer.AccessCode, cfg.CamInterval, sink, s.dispatchFrame)
	}
	s.Mux = engine.NewStreamMux(s.mjpegSource)
	return s
}

// supportsInternalStream reports whether this printer model exposes the
// TCP/TLS JPEG endpoint this client speaks.
func (s *Service) supportsInternalStream() bool {
	return strings.Contains(strings.ToLower(s.printer.Model), "a1")
}

// AccessList describes the camera surfaces available for this printer.
// External access is withheld when the relay binary is missing.
func (s *Service) AccessList() []Access {
	accesses := BuildAccess(s.printer)
	if s.printer.ExternalCameraURL != "" {
		if path := s.resolveRelayPath(); path == "" {
			slog.Warn("go2rtc binary missing; external camera disabled", "printer_id", s.printer.ID)
			kept := accesses[:0]
			for _, a := range accesses {
				if a.Source != "external" {
					kept = append(kept, a)
				}
			}
			accesses = kept
		}
	}
	return accesses
}

// BuildAccess derives the access list from a printer definition alone, used
// for printers that are not currently active.
func BuildAccess(printer model.PrinterDefinition) []Access {
	var accesses []Access
	if printer.ExternalCameraURL != "" {
		accesses = append(accesses, Access{
			Mode: "direct", URL: "/api/camera/webrtc/offer", Source: "external", StreamType: "webrtc",
		})
	}
	if strings.Contains(strings.ToLower(printer.Model), "a1") {
		accesses = append(accesses, Access{
			Mode: "proxy", URL: "/api/camera", Source: "internal", StreamType: "image",
		})
	}
	return accesses
}

// Start brings up whichever camera paths this printer supports. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.reader != nil {
		s.reader.Start()
	} else {
		slog.Info("camera service started without internal stream", "printer_id", s.printer.ID)
	}
	if s.shouldRunRelay() {
		s.startRelay()
		s.startRelayMonitor()
	}
}

// Stop shuts down the reader and the relay.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.reader != nil {
		s.reader.Stop()
	}
	s.stopRelayMonitor()
	s.stopRelay()
	slog.Info("camera service stopped", "printer_id", s.printer.ID)
}

// SetReconnectPaused gates the internal reader's reconnect loop.
func (s *Service) SetReconnectPaused(paused bool) {
	if s.reader != nil {
		s.reader.SetReconnectPaused(paused)
	}
}

// Reader exposes the internal stream reader (nil when unsupported); used by
// the gating tests.
func (s *Service) Reader() *Reader { return s.reader }

// ---- frame fan-out ----

func (s *Service) dispatchFrame(jpeg []byte) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for _, fn := range s.listeners {
		fn(jpeg)
	}
}

func (s *Service) addFrameListener(fn func([]byte)) (remove func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// MJPEGBoundary is the multipart boundary used by the MJPEG endpoint.
const MJPEGBoundary = "frame"

// mjpegSource adapts the frame listener to the StreamMux contract: an
// io.ReadCloser yielding multipart-framed JPEGs.
func (s *Service) mjpegSource(ctx context.Context) (io.ReadCloser, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("internal camera stream not supported for %s", s.printer.ID)
	}
	pr, pw := io.Pipe()
	remove := s.addFrameListener(func(jpeg []byte) {
		header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", MJPEGBoundary, len(jpeg))
		if _, err := pw.Write(append([]byte(header), append(jpeg, '\r', '\n')...)); err != nil {
			return
		}
	})
	go func() {
		<-ctx.Done()
		remove()
		pw.Close()
	}()
	return pr, nil
}

// ---- external relay (go2rtc) ----

func (s *Service) shouldRunRelay() bool {
	return s.printer.ExternalCameraURL != ""
}

func (s *Service) resolveRelayPath() string {
	configured := strings.TrimSpace(s.cfg.Go2RtcPath)
	if configured == "" {
		return ""
	}
	if _, err := os.Stat(configured); err != nil {
		return ""
	}
	return configured
}

// RelayRunning reports whether the relay subprocess is alive.
func (s *Service) RelayRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayCmd != nil && s.relayExited != nil && !s.relayExited.Load()
}

func (s *Service) startRelay() error {
	if s.RelayRunning() {
		return nil
	}
	executable := s.resolveRelayPath()
	if executable == "" {
		slog.Warn("go2rtc binary not found", "path", s.cfg.Go2RtcPath)
		return fmt.Errorf("go2rtc binary not found: %s", s.cfg.Go2RtcPath)
	}
	configPath, err := s.writeRelayConfig()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, "-config", configPath)
	if s.cfg.Go2RtcLogOutput {
		stdout, _ := cmd.StdoutPipe()
		stderr, _ := cmd.StderrPipe()
		go logRelayOutput(stdout, "stdout")
		go logRelayOutput(stderr, "stderr")
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting go2rtc: %w", err)
	}
	exited := &atomic.Bool{}
	go func() {
		cmd.Wait()
		exited.Store(true)
	}()

	s.mu.Lock()
	s.relayCmd = cmd
	s.relayExited = exited
	s.mu.Unlock()
	slog.Info("go2rtc started", "path", executable, "config", configPath)
	return nil
}

func (s *Service) stopRelay() {
	s.mu.Lock()
	cmd := s.relayCmd
	exited := s.relayExited
	s.relayCmd = nil
	s.relayExited = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	cmd.Process.Signal(os.Interrupt)
	deadline := time.Now().Add(relayStopTimeout)
	for exited != nil && !exited.Load() {
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Info("go2rtc stopped")
}

// RestartRelay bounces the relay process, e.g. after the stream URL changed.
func (s *Service) RestartRelay() error {
	s.stopRelay()
	return s.startRelay()
}

func (s *Service) startRelayMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	go func() {
		defer close(s.monitorDone)
		backoff := engine.NewBackoff(2*time.Second, 30*time.Second)
		for ctx.Err() == nil {
			if !s.RelayRunning() {
				if err := s.startRelay(); err != nil {
					delay := backoff.Next()
					slog.Warn("go2rtc restart failed", "error", err, "retry_in", delay)
					if sleepCtx(ctx, delay) != nil {
						return
					}
					continue
				}
				backoff.Reset()
			}
			if sleepCtx(ctx, relayMonitorInterval) != nil {
				return
			}
		}
	}()
}

func (s *Service) stopRelayMonitor() {
	s.mu.Lock()
	cancel, done := s.monitorCancel, s.monitorDone
	s.monitorCancel = nil
	s.monitorDone = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// writeRelayConfig renders data/go2rtc.yaml for the configured stream.
func (s *Service) writeRelayConfig() (string, error) {
	if s.printer.ExternalCameraURL == "" {
		return "", fmt.Errorf("no external camera url configured")
	}
	configPath := filepath.Join(s.cfg.DataDir, "go2rtc.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", err
	}
	streamURL := strings.ReplaceAll(s.printer.ExternalCameraURL, `"`, `\"`)
	config := strings.Join([]string{
		"api:",
		fmt.Sprintf("  listen: \"127.0.0.1:%d\"", s.cfg.Go2RtcPort),
		"rtsp:",
		"  listen: \"127.0.0.1:8554\"",
		"streams:",
		fmt.Sprintf("  external: %q", streamURL),
		"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		return "", err
	}
	return configPath, nil
}

// RequestWebRTCAnswer forwards an SDP offer to the relay and returns the
// answer SDP.
func (s *Service) RequestWebRTCAnswer(offerSDP, source string) (string, error) {
	if !s.RelayRunning() {
		if err := s.startRelay(); err != nil {
			return "", apperr.BadGateway(fmt.Sprintf("Failed to negotiate WebRTC: %v", err))
		}
	}
	stream := "external"
	if source == "internal" {
		stream = "internal"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/webrtc?src=%s", s.cfg.Go2RtcPort, stream)

	client := &http.Client{Timeout: webrtcPostTimeout}
	resp, err := client.Post(url, "text/plain", strings.NewReader(offerSDP))
	if err != nil {
		return "", apperr.BadGateway(fmt.Sprintf("Failed to negotiate WebRTC: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.BadGateway(fmt.Sprintf("Failed to read WebRTC answer: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.BadGateway(fmt.Sprintf("Relay returned %d", resp.StatusCode))
	}
	return string(body), nil
}

func logRelayOutput(stream io.Reader, label string) {
	if stream == nil {
		return
	}
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			slog.Debug("go2rtc output", "stream", label, "line", text)
		}
	}
}
