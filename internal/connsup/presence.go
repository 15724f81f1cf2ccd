package connsup

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/mqttclient"
)

const presenceReconnectDelay = 5 * time.Second

// ActiveLookup answers whether a printer is currently owned by the active
// MQTT service; watchers must stand down for that one.
type ActiveLookup interface {
	IsActivePrinter(printerID string) bool
}

// PresenceState is the externally visible summary of one watcher.
type PresenceState struct {
	Online    bool       `json:"online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Presence runs one lightweight MQTT watcher per configured printer so
// every printer's store stays warm even when it isn't selected.
type Presence struct {
	sink   mqttclient.StateSink
	active ActiveLookup
	log    *mqttclient.PayloadLog

	mu       sync.Mutex
	watchers map[string]*watcher
	states   map[string]*PresenceState
	printers []model.PrinterDefinition
	started  bool
}

func NewPresence(sink mqttclient.StateSink, active ActiveLookup, log *mqttclient.PayloadLog) *Presence {
	return &Presence{
		sink:     sink,
		active:   active,
		log:      log,
		watchers: map[string]*watcher{},
		states:   map[string]*PresenceState{},
	}
}

// SetPrinters replaces the configured printer set used at the next Start.
func (p *Presence) SetPrinters(printers []model.PrinterDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printers = append([]model.PrinterDefinition(nil), printers...)
}

// Start launches a watcher per configured printer. Idempotent.
func (p *Presence) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	if len(p.printers) == 0 {
		slog.Warn("no printers configured; presence watchers idle")
		return
	}
	p.started = true
	for _, printer := range p.printers {
		p.startWatcherLocked(printer)
	}
	slog.Info("presence watchers started", "count", len(p.watchers))
}

// Stop cancels every watcher and waits for them to exit.
func (p *Presence) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	watchers := make([]*watcher, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.watchers = map[string]*watcher{}
	p.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	slog.Info("presence watchers stopped")
}

// AddPrinter begins tracking a newly registered printer.
func (p *Presence) AddPrinter(printer model.PrinterDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printers = append(p.printers, printer)
	p.states[printer.ID] = &PresenceState{}
	if p.started {
		p.startWatcherLocked(printer)
	}
}

// RemovePrinter stops tracking a printer and forgets its presence state.
func (p *Presence) RemovePrinter(printerID string) {
	p.mu.Lock()
	w := p.watchers[printerID]
	delete(p.watchers, printerID)
	delete(p.states, printerID)
	kept := p.printers[:0]
	for _, printer := range p.printers {
		if printer.ID != printerID {
			kept = append(kept, printer)
		}
	}
	p.printers = kept
	p.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

// States returns a copy of every watcher's presence summary.
func (p *Presence) States() map[string]PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PresenceState, len(p.states))
	for id, state := range p.states {
		out[id] = *state
	}
	return out
}

func (p *Presence) startWatcherLocked(printer model.PrinterDefinition) {
	p.states[printer.ID] = &PresenceState{}
	w := &watcher{printer: printer, parent: p}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	p.watchers[printer.ID] = w
	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
}

func (p *Presence) updateState(printerID string, online bool, errText string) {
	p.mu.Lock()
	state, ok := p.states[printerID]
	if !ok {
		state = &PresenceState{}
		p.states[printerID] = state
	}
	state.Online = online
	if online {
		now := time.Now().UTC()
		state.LastSeen = &now
		state.LastError = ""
	} else if errText != "" {
		state.LastError = errText
	}
	p.mu.Unlock()

	// The active printer's online flag is owned by the active MQTT service.
	if !p.active.IsActivePrinter(printerID) {
		p.sink.SetPrinterOnline(printerID, online)
	}
}

// watcher is a single printer's cache-warming MQTT loop.
type watcher struct {
	printer model.PrinterDefinition
	parent  *Presence
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *watcher) stop() {
	w.cancel()
	<-w.done
}

func (w *watcher) run(ctx context.Context) {
	backoff := engine.NewBackoff(presenceReconnectDelay, 30*time.Second)

	for ctx.Err() == nil {
		if w.parent.active.IsActivePrinter(w.printer.ID) {
			if sleepCtx(ctx, presenceReconnectDelay) != nil {
				return
			}
			continue
		}

		client := mqttclient.NewClient(mqttclient.Config{
			Host:       w.printer.PrinterIP,
			Serial:     w.printer.Serial,
			AccessCode: w.printer.AccessCode,
			ClientID:   "fleetd-presence-" + w.printer.Serial,
		}, w.handlePayload)

		if err := client.Connect(); err != nil {
			slog.Debug("presence watcher connect failed", "printer_id", w.printer.ID, "error", err)
			w.parent.updateState(w.printer.ID, false, err.Error())
			if backoff.Sleep(ctx) != nil {
				return
			}
			continue
		}

		backoff.Reset()
		w.parent.updateState(w.printer.ID, true, "")
		w.supervise(ctx, client)
		client.Disconnect()

		if ctx.Err() != nil {
			return
		}
		if backoff.Sleep(ctx) != nil {
			return
		}
	}
}

func (w *watcher) supervise(ctx context.Context, client *mqttclient.Client) {
	heartbeat := time.NewTicker(mqttclient.HeartbeatTimeout)
	defer heartbeat.Stop()
	activeCheck := time.NewTicker(pollInterval)
	defer activeCheck.Stop()

	heartbeatSent := false
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-client.Lost():
			w.parent.updateState(w.printer.ID, false, errText(err))
			return
		case <-activeCheck.C:
			if w.parent.active.IsActivePrinter(w.printer.ID) {
				w.parent.updateState(w.printer.ID, false, "suspended (active printer)")
				return
			}
		case <-heartbeat.C:
			if client.IdleTime() < mqttclient.HeartbeatTimeout {
				heartbeatSent = false
				continue
			}
			if !heartbeatSent {
				if err := client.Publish(mqttclient.HeartbeatCommand()); err != nil {
					w.parent.updateState(w.printer.ID, false, err.Error())
					return
				}
				heartbeatSent = true
				continue
			}
			w.parent.updateState(w.printer.ID, false, "heartbeat timeout")
			return
		}
	}
}

func (w *watcher) handlePayload(raw []byte) {
	if w.parent.log != nil {
		w.parent.log.Record(w.printer.ID, raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Debug("presence payload decode failed", "printer_id", w.printer.ID, "error", err)
		return
	}
	w.parent.sink.UpdatePrintData(w.printer.ID, payload)
	w.parent.updateState(w.printer.ID, true, "")
}

func errText(err error) string {
	if err == nil {
		return "connection lost"
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
