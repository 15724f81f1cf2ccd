// Package connsup supervises the per-printer connection stack: the MQTT
// session comes up first, and FTPS plus the camera are gated on its
// liveness so they don't flap while the printer is unreachable. It also
// runs the lightweight presence watchers that keep non-active printers'
// caches warm.
package connsup

import (
	"log/slog"
	"sync"
	"time"
)

const pollInterval = 2 * time.Second

// MQTTSession is the active printer's MQTT service.
type MQTTSession interface {
	Start()
	Connected() bool
}

// GatedService is a dependent I/O service (FTPS, camera) whose reconnect
// loop can be paused while MQTT is down.
type GatedService interface {
	Start()
	SetReconnectPaused(paused bool)
}

// PresenceStarter is the watcher pool for non-active printers.
type PresenceStarter interface {
	Start()
}

// Orchestrator ticks every two seconds, ensuring the services are started
// and propagating the MQTT liveness signal to the gated dependents.
type Orchestrator struct {
	mqtt     MQTTSession
	ftps     GatedService
	camera   GatedService
	presence PresenceStarter

	mu       sync.Mutex
	throttle *logThrottle
	started  map[string]bool
	online   bool
}

func New(mqtt MQTTSession, ftps, camera GatedService, presence PresenceStarter) *Orchestrator {
	return &Orchestrator{
		mqtt:     mqtt,
		ftps:     ftps,
		camera:   camera,
		presence: presence,
		throttle: newLogThrottle(),
		started:  map[string]bool{},
	}
}

// Tick performs one supervision pass. The registry drives this from its
// engine.Poll proc so the orchestrator instance can be swapped when the
// active printer changes without restarting the proc.
func (o *Orchestrator) Tick() {
	defer func() {
		if r := recover(); r != nil {
			if o.throttle.shouldLog("orchestrator.tick") {
				slog.Warn("connection orchestrator tick failed", "error", r)
			}
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.ensureStarted("presence", func() { o.presence.Start() }, o.presence == nil)
	o.ensureStarted("mqtt", func() { o.mqtt.Start() }, o.mqtt == nil)

	online := o.mqtt != nil && o.mqtt.Connected()
	if online != o.online {
		o.online = online
		slog.Info("mqtt liveness changed", "online", online)
	}

	if online {
		o.resumeDependents()
	} else {
		o.pauseDependents()
	}
}

func (o *Orchestrator) ensureStarted(name string, start func(), missing bool) {
	if missing || o.started[name] {
		return
	}
	start()
	o.started[name] = true
	o.throttle.reset(name + ".start")
}

func (o *Orchestrator) pauseDependents() {
	if o.ftps != nil {
		o.ftps.SetReconnectPaused(true)
	}
	if o.camera != nil {
		o.camera.SetReconnectPaused(true)
	}
}

func (o *Orchestrator) resumeDependents() {
	if o.ftps != nil {
		o.ftps.SetReconnectPaused(false)
	}
	if o.camera != nil {
		o.camera.SetReconnectPaused(false)
	}
	o.ensureStarted("ftps", func() { o.ftps.Start() }, o.ftps == nil)
	o.ensureStarted("camera", func() { o.camera.Start() }, o.camera == nil)
}
