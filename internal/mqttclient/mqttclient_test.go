package mqttclient

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/model"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []map[string]any
	online   []bool
}

func (r *recordingSink) UpdatePrintData(printerID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recordingSink) SetPrinterOnline(printerID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, online)
}

func TestHandlePayloadDecodesAndForwards(t *testing.T) {
	sink := &recordingSink{}
	log := NewPayloadLog()
	svc := NewService(model.PrinterDefinition{ID: "p1", Serial: "01S00C000000000"}, sink, log, 0)

	svc.handlePayload([]byte(`{"print":{"gcode_state":"RUNNING"}}`))
	svc.handlePayload([]byte(`not json`))

	require.Len(t, sink.payloads, 1)
	printSection := sink.payloads[0]["print"].(map[string]any)
	assert.Equal(t, "RUNNING", printSection["gcode_state"])

	// Both payloads land in the debug log, decodable or not.
	history := log.Snapshot("p1")
	require.Len(t, history, 2)
	assert.Contains(t, history[0].RawJSON, "error")
}

func TestPayloadLogBounded(t *testing.T) {
	log := NewPayloadLog()
	for i := 0; i < 25; i++ {
		log.Record("p1", []byte(`{"seq":`+string(rune('0'+i%10))+`}`))
	}
	assert.Len(t, log.Snapshot("p1"), payloadLogCap)
	assert.Empty(t, log.Snapshot("p2"))
}

func TestConnectedRequiresClient(t *testing.T) {
	svc := NewService(model.PrinterDefinition{ID: "p1"}, &recordingSink{}, nil, 0)
	assert.False(t, svc.Connected())
}

func TestCommandBuilders(t *testing.T) {
	assert.Equal(t, map[string]any{"pushing": map[string]any{"command": "pushall"}}, PushallCommand())
	assert.Equal(t, map[string]any{"print": map[string]any{"command": "heartbeat"}}, HeartbeatCommand())
	assert.Equal(t, "device/01S/report", ReportTopic("01S"))
	assert.Equal(t, "device/01S/request", RequestTopic("01S"))
}

func TestSetChamberLightValidation(t *testing.T) {
	svc := NewService(model.PrinterDefinition{ID: "p1"}, &recordingSink{}, nil, 0)
	err := svc.SetChamberLight("blink")
	require.Error(t, err)

	// Valid mode but no connection surfaces service-unavailable.
	err = svc.SetChamberLight("on")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
