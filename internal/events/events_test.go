package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/model"
)

func stateWith(gcode model.GcodeState) model.PrinterState {
	state := model.Default()
	state.Print.GcodeState = gcode
	return state
}

func TestFinishEventEmittedOnce(t *testing.T) {
	svc := New()

	running := stateWith(model.GcodeRunning)
	svc.Hook("p1", running)

	finished := stateWith(model.GcodeFinish)
	finished.Print.Percent = 100
	finished.Print.Layer = "120/120"
	finished.Print.File = "cube.3mf"
	svc.Hook("p1", finished)

	events := svc.List("p1", 50)
	require.Len(t, events, 1)
	assert.Equal(t, model.GcodeFinish, events[0].GcodeState)
	assert.Equal(t, "Print finished", events[0].Message)
	assert.Equal(t, 100, events[0].Percent)
	assert.Equal(t, "120/120", events[0].Layer)
	assert.Equal(t, "cube.3mf", events[0].File)

	// Repeated FINISH snapshots don't duplicate the event.
	svc.Hook("p1", finished)
	assert.Len(t, svc.List("p1", 50), 1)

	// A pause after a new run emits its own event.
	svc.Hook("p1", stateWith(model.GcodeRunning))
	svc.Hook("p1", stateWith(model.GcodePause))
	events = svc.List("p1", 50)
	require.Len(t, events, 2)
	assert.Equal(t, "Print paused", events[0].Message)
}

func TestPrintErrorEventOnChange(t *testing.T) {
	svc := New()

	withError := stateWith(model.GcodeRunning)
	withError.Print.PrintError = &model.PrintError{Code: "0300-0D00", Description: "Nozzle clog detected"}
	svc.Hook("p1", withError)
	svc.Hook("p1", withError)

	events := svc.List("p1", 50)
	require.Len(t, events, 1)
	assert.Equal(t, "Print error detected: 0300-0D00 - Nozzle clog detected", events[0].Message)

	// Error clears, then a different error fires again.
	svc.Hook("p1", stateWith(model.GcodeRunning))
	changed := stateWith(model.GcodeRunning)
	changed.Print.PrintError = &model.PrintError{Code: "0300-0E00", Description: "Bed leveling failed"}
	svc.Hook("p1", changed)
	assert.Len(t, svc.List("p1", 50), 2)
}

func TestHMSEventOnChange(t *testing.T) {
	svc := New()

	withHMS := stateWith(model.GcodeRunning)
	withHMS.Print.HMSErrors = []model.HMSError{{HexCode: "HMS_0300-0D00-0001-0002", Description: "AMS filament broken"}}
	svc.Hook("p1", withHMS)
	svc.Hook("p1", withHMS)

	events := svc.List("p1", 50)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "HMS error detected")
}

func TestRingBufferCapAndClear(t *testing.T) {
	svc := New()

	for i := 0; i < 60; i++ {
		svc.Hook("p1", stateWith(model.GcodeRunning))
		svc.Hook("p1", stateWith(model.GcodeFinish))
	}
	events := svc.List("p1", 200)
	assert.Len(t, events, defaultMaxEventsPerPrinter)

	// Limit truncates; list is newest-first.
	limited := svc.List("p1", 5)
	assert.Len(t, limited, 5)
	assert.True(t, !limited[0].CreatedAt.Before(limited[4].CreatedAt))

	svc.Clear("p1")
	assert.Empty(t, svc.List("p1", 50))
}

func TestListMergesAcrossPrinters(t *testing.T) {
	svc := New()
	svc.Hook("p1", stateWith(model.GcodeFinish))
	svc.Hook("p2", stateWith(model.GcodeFinish))

	all := svc.List("", 50)
	assert.Len(t, all, 2)

	svc.Clear("")
	assert.Empty(t, svc.List("", 50))
}
