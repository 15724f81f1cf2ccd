package connsup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMQTT struct {
	mu        sync.Mutex
	started   bool
	connected bool
}

func (f *fakeMQTT) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeMQTT) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

type fakeGated struct {
	mu      sync.Mutex
	started bool
	paused  *bool
}

func (f *fakeGated) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeGated) SetReconnectPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = &paused
}

func (f *fakeGated) state() (started bool, paused *bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.paused
}

type fakePresence struct{ started bool }

func (f *fakePresence) Start() { f.started = true }

func TestOrchestratorGatesDependentsOnMQTTLiveness(t *testing.T) {
	mqtt := &fakeMQTT{}
	ftps := &fakeGated{}
	camera := &fakeGated{}
	presence := &fakePresence{}
	orch := New(mqtt, ftps, camera, presence)

	// First tick: MQTT offline, so dependents stay paused and unstarted.
	orch.Tick()
	assert.True(t, mqtt.started)
	assert.True(t, presence.started)
	started, paused := ftps.state()
	assert.False(t, started)
	if assert.NotNil(t, paused) {
		assert.True(t, *paused)
	}

	// MQTT comes alive: dependents are unpaused and started within a tick.
	mqtt.setConnected(true)
	orch.Tick()
	started, paused = ftps.state()
	assert.True(t, started)
	assert.False(t, *paused)
	started, paused = camera.state()
	assert.True(t, started)
	assert.False(t, *paused)

	// MQTT dies: dependents are re-paused.
	mqtt.setConnected(false)
	orch.Tick()
	_, paused = ftps.state()
	assert.True(t, *paused)
	_, paused = camera.state()
	assert.True(t, *paused)
}

func TestLogThrottle(t *testing.T) {
	throttle := newLogThrottle()

	var logged int
	for i := 0; i < 20; i++ {
		if throttle.shouldLog("k") {
			logged++
		}
	}
	// First three, then every fifth (5, 10, 15, 20).
	assert.Equal(t, 3+4, logged)

	throttle.reset("k")
	assert.True(t, throttle.shouldLog("k"))
}
