package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/model"
)

func newStreamFixture() (*StreamService, *model.PrinterState) {
	state := model.Default()
	svc := NewStreamService(func(string) model.PrinterState { return state.Clone() })
	return svc, &state
}

func TestSnapshotThenDiff(t *testing.T) {
	svc, state := newStreamFixture()

	events, unsubscribe := svc.Subscribe("p1")
	defer unsubscribe()

	// First update on an unseen printer emits a full snapshot with id 1.
	state.Print.GcodeState = model.GcodePrepare
	svc.Hook("p1", state.Clone())

	evt := <-events
	require.NotNil(t, evt)
	assert.Equal(t, "snapshot", evt.Name)
	assert.Equal(t, int64(1), evt.ID)
	snapState := evt.Data["state"].(map[string]any)
	printSection := snapState["print"].(map[string]any)
	assert.Equal(t, "PREPARE", printSection["gcode_state"])
	assert.Contains(t, evt.Data, "server_info")

	// A scalar change emits a leaf-granular diff with the next version.
	state.Print.Percent = 42
	svc.Hook("p1", state.Clone())

	evt = <-events
	require.NotNil(t, evt)
	assert.Equal(t, "diff", evt.Name)
	assert.Equal(t, int64(2), evt.ID)
	changes := evt.Data["changes"].(map[string]any)
	assert.Equal(t, float64(42), changes["print.percent"])
	assert.Len(t, changes, 1)

	// An identical state emits nothing.
	svc.Hook("p1", state.Clone())
	select {
	case extra := <-events:
		t.Fatalf("unexpected event for unchanged state: %+v", extra)
	default:
	}
}

func TestVersionsMonotonicPerPrinter(t *testing.T) {
	svc, state := newStreamFixture()

	var last int64
	for i := 1; i <= 5; i++ {
		state.Print.Percent = i * 10
		svc.Hook("p1", state.Clone())
	}
	events, unsubscribe := svc.Subscribe("p1")
	defer unsubscribe()

	state.Print.Percent = 99
	svc.Hook("p1", state.Clone())
	evt := <-events
	assert.Greater(t, evt.ID, last)
	last = evt.ID

	snapshot := svc.BuildSnapshot("p1")
	assert.Greater(t, snapshot.ID, last)
}

func TestSubscriberFiltering(t *testing.T) {
	svc, state := newStreamFixture()

	filtered, unsubFiltered := svc.Subscribe("p2")
	defer unsubFiltered()
	all, unsubAll := svc.Subscribe("")
	defer unsubAll()

	state.Print.Percent = 10
	svc.Hook("p1", state.Clone())

	select {
	case evt := <-filtered:
		t.Fatalf("p2 subscriber received p1 event: %+v", evt)
	default:
	}
	evt := <-all
	require.NotNil(t, evt)
	assert.Equal(t, "p1", evt.Data["printer_id"])
}

func TestBackpressureDropsSlowSubscriber(t *testing.T) {
	svc, state := newStreamFixture()

	events, unsubscribe := svc.Subscribe("p1")
	defer unsubscribe()

	// Never read: the bounded queue fills, then the subscriber is dropped
	// with a nil close sentinel.
	for i := 0; i < subscriberQueueCap+2; i++ {
		state.Print.Percent = i
		svc.Hook("p1", state.Clone())
	}

	var sentinel bool
	for evt := range events {
		if evt == nil {
			sentinel = true
			break
		}
	}
	assert.True(t, sentinel, "dropped subscriber must receive the close sentinel")
}

func TestShutdownSendsSentinel(t *testing.T) {
	svc, _ := newStreamFixture()
	events, unsubscribe := svc.Subscribe("")
	defer unsubscribe()

	svc.Shutdown()
	evt := <-events
	assert.Nil(t, evt)
}

func TestDiffEmitsNullForRemovedKeys(t *testing.T) {
	previous := map[string]any{"a": map[string]any{"b": 1.0, "c": 2.0}}
	current := map[string]any{"a": map[string]any{"b": 1.0}}
	changes := map[string]any{}
	diffDict(previous, current, "", changes)
	assert.Equal(t, map[string]any{"a.c": nil}, changes)
}
