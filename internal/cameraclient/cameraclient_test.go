package cameraclient

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/model"
)

func TestBuildAuthFrame(t *testing.T) {
	frame := buildAuthFrame("bblp", "12345678")
	require.Len(t, frame, 80)

	assert.Equal(t, uint32(0x40), binary.LittleEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint32(0x3000), binary.LittleEndian.Uint32(frame[4:8]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[8:12]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(frame[12:16]))

	assert.Equal(t, "bblp", string(frame[16:20]))
	assert.Equal(t, make([]byte, 28), frame[20:48])
	assert.Equal(t, "12345678", string(frame[48:56]))
	assert.Equal(t, make([]byte, 24), frame[56:80])
}

func TestSessionManagerViewerCap(t *testing.T) {
	m := NewSessionManager(2, 45*time.Second)
	base := time.Now()
	m.now = func() time.Time { return base }

	first := m.Claim()
	second := m.Claim()
	third := m.Claim()
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.Empty(t, third, "viewer cap must reject the third concurrent claim")

	// Releasing frees the slot immediately.
	m.Release(first)
	assert.NotEmpty(t, m.Claim())

	// A claim past the TTL succeeds because stale sessions are pruned.
	base = base.Add(46 * time.Second)
	assert.NotEmpty(t, m.Claim())
}

func TestSessionManagerKeepalive(t *testing.T) {
	m := NewSessionManager(1, 45*time.Second)
	base := time.Now()
	m.now = func() time.Time { return base }

	id := m.Claim()
	require.NotEmpty(t, id)

	// Keepalive inside the TTL keeps the slot occupied.
	base = base.Add(40 * time.Second)
	assert.True(t, m.Keepalive(id))
	base = base.Add(40 * time.Second)
	assert.Empty(t, m.Claim(), "refreshed session still holds the slot")

	assert.False(t, m.Keepalive("unknown"))
}

func TestBuildAccess(t *testing.T) {
	printer := model.PrinterDefinition{ID: "p1", Model: "Bambu Lab A1 Mini"}
	accesses := BuildAccess(printer)
	require.Len(t, accesses, 1)
	assert.Equal(t, "proxy", accesses[0].Mode)
	assert.Equal(t, "internal", accesses[0].Source)

	printer.ExternalCameraURL = "rtsp://cam.local/stream"
	accesses = BuildAccess(printer)
	require.Len(t, accesses, 2)
	assert.Equal(t, "external", accesses[0].Source)
	assert.Equal(t, "webrtc", accesses[0].StreamType)

	// Non-A1 models don't expose the internal TCP stream.
	printer.Model = "Bambu Lab X1 Carbon"
	accesses = BuildAccess(printer)
	require.Len(t, accesses, 1)
	assert.Equal(t, "external", accesses[0].Source)
}

type nullSink struct{}

func (nullSink) UpdateCameraFrame(string, string) {}
func (nullSink) SetCameraStatus(string, model.CameraStatus, string) {
}

func TestFrameListeners(t *testing.T) {
	svc := NewService(model.PrinterDefinition{ID: "p1", Model: "a1"}, Config{DataDir: t.TempDir()}, nullSink{})

	var got [][]byte
	remove := svc.addFrameListener(func(jpeg []byte) { got = append(got, jpeg) })
	svc.dispatchFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.Len(t, got, 1)

	remove()
	svc.dispatchFrame([]byte{0xFF, 0xD8})
	assert.Len(t, got, 1)
}
