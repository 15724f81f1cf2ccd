package stage

import (
	"testing"

	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestResolveLabelKnown(t *testing.T) {
	assert.Equal(t, "Printing", ResolveLabel(0))
	assert.Equal(t, "Purifying the chamber air", ResolveLabel(66))
}

func TestResolveLabelUnknown(t *testing.T) {
	assert.Equal(t, "Stage 999", ResolveLabel(999))
}

func TestParseHomeFlagBits(t *testing.T) {
	// bit 0 (X_AXIS_AT_HOME), bit 17 (PROMPT_SOUND enabled) and bit 18
	// (PROMPT_SOUND supported) set.
	raw := int64(1<<0 | 1<<17 | 1<<18)
	features, sdState := ParseHomeFlag(raw)
	assert.Equal(t, model.SdCardNone, sdState)

	byKey := map[string]Feature{}
	for _, f := range features {
		byKey[f.Key] = f
	}
	assert.True(t, *byKey["X_AXIS_AT_HOME"].Enabled)
	assert.True(t, *byKey["PROMPT_SOUND"].Supported)
	assert.True(t, *byKey["PROMPT_SOUND"].Enabled)
	assert.False(t, *byKey["Y_AXIS_AT_HOME"].Enabled)
}

func TestParseHomeFlagSdCardState(t *testing.T) {
	raw := int64(1 << 9) // sd bits = 0b10 = ABNORMAL
	_, sdState := ParseHomeFlag(raw)
	assert.Equal(t, model.SdCardAbnormal, sdState)
}
