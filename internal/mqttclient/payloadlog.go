package mqttclient

import (
	"encoding/json"
	"sync"
	"time"
)

const payloadLogCap = 10

// PayloadEntry is one raw MQTT payload kept for the debug endpoint.
type PayloadEntry struct {
	Timestamp string         `json:"timestamp"`
	RawJSON   map[string]any `json:"raw_json"`
}

// PayloadLog retains the most recent payloads per printer, newest first.
// Shared by the active session and the presence watchers so /api/debug can
// show traffic for any printer.
type PayloadLog struct {
	mu      sync.Mutex
	entries map[string][]PayloadEntry
}

func NewPayloadLog() *PayloadLog {
	return &PayloadLog{entries: map[string][]PayloadEntry{}}
}

// Record stores raw, decoding it best-effort. Undecodable payloads are kept
// with an error marker so the debug view still shows that traffic arrived.
func (l *PayloadLog) Record(printerID string, raw []byte) {
	entry := PayloadEntry{Timestamp: time.Now().Format("15:04:05")}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		entry.RawJSON = map[string]any{"error": "failed to decode payload", "raw": string(raw)}
	} else {
		entry.RawJSON = decoded
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	history := append([]PayloadEntry{entry}, l.entries[printerID]...)
	if len(history) > payloadLogCap {
		history = history[:payloadLogCap]
	}
	l.entries[printerID] = history
}

// Snapshot returns the stored history for printerID, newest first.
func (l *PayloadLog) Snapshot(printerID string) []PayloadEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PayloadEntry(nil), l.entries[printerID]...)
}
