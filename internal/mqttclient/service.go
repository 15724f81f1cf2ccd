package mqttclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
)

// HeartbeatTimeout is the silence window before a heartbeat probe is sent;
// a second silent window marks the printer offline.
const HeartbeatTimeout = 10 * time.Second

// StateSink receives decoded telemetry. Wired to the state orchestrator.
type StateSink interface {
	UpdatePrintData(printerID string, payload map[string]any)
	SetPrinterOnline(printerID string, online bool)
}

// Service owns the active printer's MQTT session: it reconnects with
// backoff, keeps the pushall scheduler running, probes silent connections
// with a heartbeat, and exposes the command publishers used by the control
// API.
type Service struct {
	printer         model.PrinterDefinition
	sink            StateSink
	log             *PayloadLog
	pushallInterval time.Duration

	mu      sync.Mutex
	client  *Client
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewService(printer model.PrinterDefinition, sink StateSink, log *PayloadLog, pushallInterval time.Duration) *Service {
	if pushallInterval <= 0 {
		pushallInterval = 60 * time.Second
	}
	return &Service{
		printer:         printer,
		sink:            sink,
		log:             log,
		pushallInterval: pushallInterval,
	}
}

// Start launches the session loop. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
	slog.Info("mqtt service started", "printer_id", s.printer.ID)
}

// Stop tears the session down and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("mqtt service stopped", "printer_id", s.printer.ID)
}

func (s *Service) run(ctx context.Context) {
	backoff := engine.NewBackoff(5*time.Second, 60*time.Second)

	for ctx.Err() == nil {
		client := NewClient(Config{
			Host:       s.printer.PrinterIP,
			Serial:     s.printer.Serial,
			AccessCode: s.printer.AccessCode,
		}, s.handlePayload)

		if err := client.Connect(); err != nil {
			slog.Warn("mqtt connect failed", "printer_id", s.printer.ID, "error", err)
			s.sink.SetPrinterOnline(s.printer.ID, false)
			if backoff.Sleep(ctx) != nil {
				return
			}
			continue
		}

		s.setClient(client)
		backoff.Reset()
		s.sink.SetPrinterOnline(s.printer.ID, true)
		slog.Info("mqtt connected and subscribed", "printer_id", s.printer.ID)

		s.superviseSession(ctx, client)

		s.setClient(nil)
		client.Disconnect()
		if ctx.Err() != nil {
			return
		}
		s.sink.SetPrinterOnline(s.printer.ID, false)
		if backoff.Sleep(ctx) != nil {
			return
		}
	}
}

// superviseSession blocks until the session dies: context cancellation,
// transport loss, pushall publish failure, or two silent heartbeat windows.
func (s *Service) superviseSession(ctx context.Context, client *Client) {
	heartbeat := time.NewTicker(HeartbeatTimeout)
	defer heartbeat.Stop()
	pushall := time.NewTicker(s.pushallInterval)
	defer pushall.Stop()

	heartbeatSent := false
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-client.Lost():
			slog.Warn("mqtt connection lost", "printer_id", s.printer.ID, "error", err)
			return
		case <-pushall.C:
			if err := client.Publish(PushallCommand()); err != nil {
				slog.Warn("pushall failed, forcing reconnect", "printer_id", s.printer.ID, "error", err)
				return
			}
		case <-heartbeat.C:
			if client.IdleTime() < HeartbeatTimeout {
				heartbeatSent = false
				continue
			}
			if !heartbeatSent {
				if err := client.Publish(HeartbeatCommand()); err != nil {
					slog.Warn("heartbeat publish failed", "printer_id", s.printer.ID, "error", err)
					return
				}
				heartbeatSent = true
				continue
			}
			slog.Warn("mqtt heartbeat retry failed, marking offline", "printer_id", s.printer.ID)
			return
		}
	}
}

func (s *Service) handlePayload(raw []byte) {
	if s.log != nil {
		s.log.Record(s.printer.ID, raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("mqtt payload decode failed", "printer_id", s.printer.ID, "error", err)
		return
	}
	s.sink.UpdatePrintData(s.printer.ID, payload)
}

func (s *Service) setClient(client *Client) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *Service) currentClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connected reports session liveness: a connected transport that has seen
// traffic within two heartbeat windows. The connection orchestrator gates
// FTPS and the camera on this.
func (s *Service) Connected() bool {
	client := s.currentClient()
	if client == nil || !client.IsConnected() {
		return false
	}
	return client.IdleTime() < 2*HeartbeatTimeout
}

// Publish sends an arbitrary prebuilt command payload.
func (s *Service) Publish(payload map[string]any) error {
	client := s.currentClient()
	if client == nil {
		return apperr.ServiceUnavailable("MQTT client not connected")
	}
	if err := client.Publish(payload); err != nil {
		return apperr.ServiceUnavailable(err.Error())
	}
	return nil
}

// SendPushall triggers a full state republish.
func (s *Service) SendPushall() error { return s.Publish(PushallCommand()) }

// SetChamberLight flips the chamber LED; mode must be "on" or "off".
func (s *Service) SetChamberLight(mode string) error {
	if mode != "on" && mode != "off" {
		return apperr.BadRequest("mode must be 'on' or 'off'")
	}
	return s.Publish(map[string]any{
		"system": map[string]any{
			"command":  "ledctrl",
			"led_node": "chamber_light",
			"led_mode": mode,
		},
	})
}

// SendPrintCommand sends a simple print-namespace command such as pause,
// resume, or stop.
func (s *Service) SendPrintCommand(command, param string) error {
	return s.Publish(map[string]any{
		"print": map[string]any{
			"sequence_id": "0",
			"command":     command,
			"param":       param,
		},
	})
}
