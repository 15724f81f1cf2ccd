package notifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bambu-fleet/monitor/internal/model"
)

var processStart = time.Now()

// ServerInfo describes process uptime; attached to every snapshot event so
// clients can detect server restarts.
func ServerInfo() map[string]any {
	uptime := time.Since(processStart)
	return map[string]any{
		"start_time":     processStart.UTC().Format(time.RFC3339),
		"server_time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":         formatUptime(uptime),
		"uptime_seconds": uptime.Seconds(),
	}
}

func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// subscriberQueueCap is the bounded channel size per §4.6 ("bounded, cap
// 200"); a slow consumer gets dropped rather than ever blocking a writer.
const subscriberQueueCap = 200

// Event is one SSE payload: either a full snapshot or a diff.
type Event struct {
	Name string // "snapshot" | "diff" | "ping"
	ID   int64
	Data map[string]any
}

type subscriber struct {
	ch        chan *Event // nil Event is the close sentinel
	printerID string      // "" means "all printers"
}

// StateGetter resolves a printer's current typed snapshot; wired to
// internal/repository.Repository.GetState.
type StateGetter func(printerID string) model.PrinterState

// StreamService fans state updates out to SSE subscribers as versioned
// snapshot/diff events (§4.6), grounded on
// original_source/app/services/state_stream_service.py.
type StreamService struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	snapshots   map[string]map[string]any
	versions    map[string]int64
	getState    StateGetter
	shutdown    bool
}

func NewStreamService(getState StateGetter) *StreamService {
	return &StreamService{
		subscribers: map[*subscriber]struct{}{},
		snapshots:   map[string]map[string]any{},
		versions:    map[string]int64{},
		getState:    getState,
	}
}

// Hook registers the stream service as a state-change observer.
func (s *StreamService) Hook(printerID string, state model.PrinterState) {
	s.handleStateUpdate(printerID, state)
}

// Subscribe allocates a new subscriber; printerID == "" means "every
// printer". The returned channel and unsubscribe func are handed to the SSE
// handler, which ranges over the channel until it sees a nil *Event.
func (s *StreamService) Subscribe(printerID string) (<-chan *Event, func()) {
	sub := &subscriber{ch: make(chan *Event, subscriberQueueCap), printerID: printerID}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return sub.ch, func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
	}
}

// Shutdown drains every subscriber's channel and sends it a nil sentinel so
// SSE handlers exit cleanly (§5 "gather-all" shutdown).
func (s *StreamService) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	subs := make([]*subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = map[*subscriber]struct{}{}
	s.mu.Unlock()
	for _, sub := range subs {
		drain(sub.ch)
		trySend(sub.ch, nil)
	}
}

// BuildSnapshot serializes printerID's current state, bumps its version,
// and caches the serialized form for future diffing. Used to seed a fresh
// SSE connection with an initial snapshot event.
func (s *StreamService) BuildSnapshot(printerID string) Event {
	current := s.serialize(s.getState(printerID))

	s.mu.Lock()
	defer s.mu.Unlock()
	version := s.versions[printerID] + 1
	s.versions[printerID] = version
	s.snapshots[printerID] = current

	return Event{
		Name: "snapshot",
		ID:   version,
		Data: map[string]any{
			"version":     version,
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"printer_id":  printerID,
			"state":       current,
			"server_info": ServerInfo(),
		},
	}
}

func (s *StreamService) handleStateUpdate(printerID string, state model.PrinterState) {
	current := s.serialize(state)

	s.mu.Lock()
	previous, known := s.snapshots[printerID]
	var evt *Event
	if !known {
		version := s.versions[printerID] + 1
		s.versions[printerID] = version
		s.snapshots[printerID] = current
		evt = &Event{
			Name: "snapshot",
			ID:   version,
			Data: map[string]any{
				"version":     version,
				"ts":          time.Now().UTC().Format(time.RFC3339Nano),
				"printer_id":  printerID,
				"state":       current,
				"server_info": ServerInfo(),
			},
		}
	} else {
		changes := map[string]any{}
		diffDict(previous, current, "", changes)
		if len(changes) == 0 {
			s.mu.Unlock()
			return
		}
		version := s.versions[printerID] + 1
		s.versions[printerID] = version
		s.snapshots[printerID] = current
		evt = &Event{
			Name: "diff",
			ID:   version,
			Data: map[string]any{
				"version":    version,
				"ts":         time.Now().UTC().Format(time.RFC3339Nano),
				"printer_id": printerID,
				"changes":    changes,
			},
		}
	}
	s.mu.Unlock()

	s.broadcast(printerID, evt)
}

func (s *StreamService) broadcast(printerID string, evt *Event) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	var dead []*subscriber
	for sub := range s.subscribers {
		if sub.printerID != "" && sub.printerID != printerID {
			continue
		}
		if !trySend(sub.ch, evt) {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(s.subscribers, sub)
	}
	s.mu.Unlock()

	if len(dead) > 0 {
		slog.Warn("state stream subscriber dropped due to backpressure", "count", len(dead))
		for _, sub := range dead {
			drain(sub.ch)
			trySend(sub.ch, nil)
		}
	}
}

func trySend(ch chan *Event, evt *Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}

func drain(ch chan *Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// serialize marshals state through JSON to a plain map so the diff walker
// operates on the same shape original_source's Pydantic .dict() produces.
// server_info is deliberately NOT part of the serialized state: its clock
// fields change on every call and would turn every update into a diff.
func (s *StreamService) serialize(state model.PrinterState) map[string]any {
	data, err := json.Marshal(state)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// diffDict recurses leaf-to-leaf: any scalar/list inequality emits
// dotted.path -> new_value; keys present in previous but missing from
// current emit null (§4.6).
func diffDict(previous, current map[string]any, prefix string, out map[string]any) {
	for key, value := range current {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		oldValue, existed := previous[key]
		if !existed {
			out[path] = value
			continue
		}
		newDict, newIsDict := value.(map[string]any)
		oldDict, oldIsDict := oldValue.(map[string]any)
		if newIsDict && oldIsDict {
			diffDict(oldDict, newDict, path, out)
			continue
		}
		if !jsonEqual(value, oldValue) {
			out[path] = value
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			out[path] = nil
		}
	}
}

func jsonEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
