package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepIdentity(t *testing.T) {
	m := map[string]any{"a": 1, "b": map[string]any{"c": 2}}
	got := Deep(m, map[string]any{})
	assert.Equal(t, m, got)
}

func TestDeepSentinelsPreservePriorValue(t *testing.T) {
	old := map[string]any{"gcode_state": "RUNNING", "layer": "5/10"}
	new := map[string]any{"gcode_state": "", "layer": "0/0", "file": "?"}
	got := Deep(old, new)
	assert.Equal(t, "RUNNING", got["gcode_state"])
	assert.Equal(t, "5/10", got["layer"])
	_, hasFile := got["file"]
	assert.False(t, hasFile)
}

func TestDeepRecursesIntoDicts(t *testing.T) {
	old := map[string]any{"print": map[string]any{"a": 1, "b": 2}}
	new := map[string]any{"print": map[string]any{"b": 3, "c": ""}}
	got := Deep(old, new)
	inner := got["print"].(map[string]any)
	assert.Equal(t, 1, inner["a"])
	assert.Equal(t, 3, inner["b"])
	_, hasC := inner["c"]
	assert.False(t, hasC)
}

func TestDeepNonSentinelScalarsReplace(t *testing.T) {
	old := map[string]any{"percent": 10}
	got := Deep(old, map[string]any{"percent": 0})
	assert.Equal(t, 0, got["percent"])
}

func TestDeepAssociative(t *testing.T) {
	raw := map[string]any{}
	p1 := map[string]any{"print": map[string]any{"gcode_state": "RUNNING"}}
	p2 := map[string]any{"print": map[string]any{"mc_percent": 42}}

	sequential := Deep(Deep(raw, p1), p2)
	combined := Deep(raw, Deep(p1, p2))
	require.Equal(t, sequential, combined)
}

func TestIsSentinelWhitespace(t *testing.T) {
	assert.True(t, IsSentinel("   "))
	assert.True(t, IsSentinel(nil))
	assert.False(t, IsSentinel(0))
	assert.False(t, IsSentinel(false))
}
