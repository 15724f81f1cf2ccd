package assembler

import (
	"testing"

	"github.com/bambu-fleet/monitor/internal/hms"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssembler(t *testing.T) *Assembler {
	t.Helper()
	return New(hms.NewTables(t.TempDir()))
}

func TestAssembleBasicPrintFields(t *testing.T) {
	a := newAssembler(t)
	master := map[string]any{
		"print": map[string]any{
			"nozzle_temper":   210.0,
			"bed_temper":      60.0,
			"gcode_state":     "RUNNING",
			"gcode_file":      "benchy.3mf",
			"mc_percent":      42.0,
			"layer_num":       10.0,
			"total_layer_num": 100.0,
			"stg":             []any{0.0, 1.0},
			"stg_cur":         1.0,
		},
	}

	state := a.Assemble(master, "01S00A123456789", model.Default())
	assert.Equal(t, 210.0, state.Print.NozzleTemp)
	assert.Equal(t, model.GcodeRunning, state.Print.GcodeState)
	assert.Equal(t, "10/100", state.Print.Layer)
	assert.Equal(t, 42, state.Print.Percent)
	require.Len(t, state.Print.StageHistory, 2)
	assert.Equal(t, "Printing", state.Print.StageLabels[0])
	assert.Equal(t, "Auto bed leveling", state.Print.StageLabel)
}

func TestAssembleFeatureToggles(t *testing.T) {
	a := newAssembler(t)
	master := map[string]any{
		"print": map[string]any{
			"home_flag": 1.0, // bit 0: X_AXIS_AT_HOME
			"xcam":      map[string]any{"buildplate_marker_detector": true},
			"ipcam":     map[string]any{"ipcam_record": "enable", "timelapse": true},
			"ams":       map[string]any{"power_on_flag": false},
		},
	}

	state := a.Assemble(master, "", model.Default())
	assert.True(t, state.Print.FeatureToggles["X_AXIS_AT_HOME"])
	assert.True(t, state.Print.FeatureToggles["BUILDPLATE_MARKER_DETECTOR"])
	assert.True(t, state.Print.FeatureToggles["CAMERA_RECORDING"])
	assert.False(t, state.Print.FeatureToggles["AMS_ON_STARTUP"])
	assert.True(t, state.Print.TimelapseEnabled)
}

func TestAssembleAmsUnits(t *testing.T) {
	a := newAssembler(t)
	master := map[string]any{
		"ams": map[string]any{
			"ams": []any{
				map[string]any{
					"id":       0.0,
					"humidity": 5.0,
					"temp":     25.0,
					"tray": []any{
						map[string]any{"id": 0.0, "tray_type": "PLA", "tray_color": "FF0000FF", "remain": 80.0},
					},
				},
			},
			"tray_exist_bits": "1",
		},
	}

	state := a.Assemble(master, "", model.Default())
	require.Len(t, state.Ams.AmsUnits, 1)
	assert.Equal(t, "PLA", state.Ams.AmsUnits[0].Trays[0].TrayType)
	assert.Equal(t, []bool{true, false, false, false}, state.Ams.TrayExistSlots)
}

func TestAssembleHexTrayBits(t *testing.T) {
	a := newAssembler(t)
	master := map[string]any{
		"ams": map[string]any{
			"ams":             []any{},
			"ams_exist_bits":  "f",
			"tray_exist_bits": "f",
			"tray_now":        "0a",
		},
	}

	state := a.Assemble(master, "", model.Default())
	assert.Equal(t, "Connected", state.Ams.HubConnected)
	assert.Equal(t, []bool{true, true, true, true}, state.Ams.TrayExistSlots)
	require.NotNil(t, state.Ams.ActiveTrayIndex)
	assert.Equal(t, 10, *state.Ams.ActiveTrayIndex)
}

func TestParseSlotInt(t *testing.T) {
	tests := []struct {
		in    any
		want  int64
		valid bool
	}{
		{"f", 15, true},
		{"0x0f", 15, true},
		{"0F", 15, true},
		{"10", 10, true},
		{"255", 255, true},
		{3.0, 3, true},
		{7, 7, true},
		{"", 0, false},
		{"  ", 0, false},
		{"tray", 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseSlotInt(tt.in)
		assert.Equal(t, tt.valid, ok, "%v", tt.in)
		if tt.valid {
			assert.Equal(t, tt.want, got, "%v", tt.in)
		}
	}
}

func TestDecodeTrayBits(t *testing.T) {
	assert.Equal(t, []bool{true, false, true, false}, decodeTrayBits("5", 4))
	assert.Equal(t, []bool{true, true, true, true}, decodeTrayBits("f", 4))
	assert.Equal(t, []bool{false, true, false, true}, decodeTrayBits("0x0a", 4))
	assert.Nil(t, decodeTrayBits("not-bits", 4))
}

func TestEvaluatePrintAgainOffline(t *testing.T) {
	print := model.PrintStatus{GcodeState: model.GcodeFinish, File: "benchy.3mf"}
	lastSent := &model.LastSentProjectFile{Command: "project_file", URL: "ftp://x/benchy.3mf", Plate: "1", File: "benchy.3mf"}
	state := EvaluatePrintAgain(print, lastSent, false)
	assert.True(t, state.Visible)
	assert.False(t, state.Enabled)
	assert.Equal(t, "printer_offline", state.Reason)
}

func TestEvaluatePrintAgainFileMismatch(t *testing.T) {
	print := model.PrintStatus{GcodeState: model.GcodeFinish, File: "other.3mf"}
	lastSent := &model.LastSentProjectFile{Command: "project_file", URL: "ftp://x/benchy.3mf", Plate: "1", File: "benchy.3mf"}
	state := EvaluatePrintAgain(print, lastSent, true)
	assert.Equal(t, "file_mismatch", state.Reason)
}
