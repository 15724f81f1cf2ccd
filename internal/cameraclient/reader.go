// Package cameraclient implements the printer's proprietary TCP/TLS camera
// protocol, the camera service that decides between the internal JPEG
// stream and the external go2rtc relay, and the WebRTC viewer session
// bookkeeping.
package cameraclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bambu-fleet/monitor/internal/model"
)

const (
	DefaultPort     = 6000
	DefaultDeviceID = "bblp"

	connectTimeout = 10 * time.Second
	authTimeout    = 5 * time.Second
	readTimeout    = 10 * time.Second
	reconnectDelay = 5 * time.Second
	stallThreshold = 3
	readChunk      = 8192
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// StateSink receives frames and status transitions; wired to the state
// orchestrator.
type StateSink interface {
	UpdateCameraFrame(printerID, frame string)
	SetCameraStatus(printerID string, status model.CameraStatus, reason string)
}

// Reader maintains the persistent camera connection for one printer and
// splits the TLS byte stream into JPEG frames.
type Reader struct {
	printerID   string
	host        string
	accessCode  string
	deviceID    string
	camInterval time.Duration
	sink        StateSink
	onFrame     func(jpeg []byte)

	reconnectPaused atomic.Bool
	stallCount      int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewReader(printerID, host, accessCode string, camInterval time.Duration, sink StateSink, onFrame func([]byte)) *Reader {
	return &Reader{
		printerID:   printerID,
		host:        host,
		accessCode:  accessCode,
		deviceID:    DefaultDeviceID,
		camInterval: camInterval,
		sink:        sink,
		onFrame:     onFrame,
	}
}

// Start launches the camera loop. Idempotent.
func (r *Reader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true
	r.sink.SetCameraStatus(r.printerID, model.CameraConnecting, "camera loop starting")
	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
	slog.Info("camera reader started", "printer_id", r.printerID)
}

// Stop cancels the loop and publishes the terminal stopped state.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.sink.SetCameraStatus(r.printerID, model.CameraStopped, "camera loop stopped")
	slog.Info("camera reader stopped", "printer_id", r.printerID)
}

func (r *Reader) SetReconnectPaused(paused bool) { r.reconnectPaused.Store(paused) }

// ReconnectPaused is exposed for the connection-gating tests.
func (r *Reader) ReconnectPaused() bool { return r.reconnectPaused.Load() }

func (r *Reader) run(ctx context.Context) {
	auth := buildAuthFrame(r.deviceID, r.accessCode)

	for ctx.Err() == nil {
		r.stallCount = 0
		if err := r.connectAndStream(ctx, auth); err != nil && ctx.Err() == nil {
			slog.Warn("camera loop error", "printer_id", r.printerID, "error", err)
			r.sink.SetCameraStatus(r.printerID, model.CameraReconnecting, err.Error())
		}
		if ctx.Err() != nil {
			return
		}

		// Hold here while the orchestrator has gated us off.
		for r.reconnectPaused.Load() {
			if sleepCtx(ctx, time.Second) != nil {
				return
			}
		}
		if sleepCtx(ctx, reconnectDelay) != nil {
			return
		}
	}
}

// buildAuthFrame produces the 16-byte header plus zero-padded device id and
// access code blocks the camera endpoint expects.
func buildAuthFrame(deviceID, accessCode string) []byte {
	frame := make([]byte, 0, 80)
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:], 0x40)
	binary.LittleEndian.PutUint32(header[4:], 0x3000)
	binary.LittleEndian.PutUint32(header[8:], 0)
	binary.LittleEndian.PutUint32(header[12:], 0)
	frame = append(frame, header...)
	frame = append(frame, padField(deviceID, 32)...)
	frame = append(frame, padField(accessCode, 32)...)
	return frame
}

func padField(value string, size int) []byte {
	field := make([]byte, size)
	copy(field, value)
	return field
}

func (r *Reader) connectAndStream(ctx context.Context, auth []byte) error {
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", fmt.Sprintf("%s:%d", r.host, DefaultPort), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		r.sink.SetCameraStatus(r.printerID, model.CameraReconnecting, "Camera not reachable")
		return fmt.Errorf("camera connect: %w", err)
	}
	defer conn.Close()

	// Authenticate: send the frame, read the 16-byte response, resend.
	conn.SetDeadline(time.Now().Add(authTimeout))
	if _, err := conn.Write(auth); err != nil {
		return fmt.Errorf("camera auth write: %w", err)
	}
	response := make([]byte, 16)
	if _, err := conn.Read(response); err != nil {
		return fmt.Errorf("camera auth response: %w", err)
	}
	if _, err := conn.Write(auth); err != nil {
		return fmt.Errorf("camera auth rewrite: %w", err)
	}

	slog.Info("camera authenticated", "printer_id", r.printerID)
	r.sink.SetCameraStatus(r.printerID, model.CameraConnecting, "Camera authenticated")
	return r.streamFrames(ctx, conn)
}

func (r *Reader) streamFrames(ctx context.Context, conn net.Conn) error {
	buffer := make([]byte, 0, 256*1024)
	chunk := make([]byte, readChunk)
	var lastFrame time.Time
	frameCount := 0

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(chunk)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				r.stallCount++
				reason := fmt.Sprintf("Camera read timeout (%d/%d)", r.stallCount, stallThreshold)
				slog.Warn(reason, "printer_id", r.printerID)
				if r.stallCount >= stallThreshold {
					r.sink.SetCameraStatus(r.printerID, model.CameraReconnecting, reason)
					return nil
				}
				r.sink.SetCameraStatus(r.printerID, model.CameraStallWarning, reason)
				continue
			}
			r.sink.SetCameraStatus(r.printerID, model.CameraReconnecting, "Camera stream ended")
			return nil
		}

		buffer = append(buffer, chunk[:n]...)
		start := bytes.Index(buffer, jpegStart)
		end := bytes.Index(buffer, jpegEnd)
		if start == -1 || end == -1 || end <= start {
			continue
		}

		// Frame-rate throttle: drop frames arriving inside the interval.
		if time.Since(lastFrame) < r.camInterval {
			buffer = buffer[end+2:]
			continue
		}

		frame := append([]byte(nil), buffer[start:end+2]...)
		buffer = buffer[end+2:]
		lastFrame = time.Now()
		frameCount++

		r.sink.UpdateCameraFrame(r.printerID, base64.StdEncoding.EncodeToString(frame))
		if r.onFrame != nil {
			r.onFrame(frame)
		}

		r.stallCount = 0
		r.sink.SetCameraStatus(r.printerID, model.CameraStreaming, "Camera streaming")
		if frameCount == 1 {
			slog.Info("first camera frame received", "printer_id", r.printerID)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
