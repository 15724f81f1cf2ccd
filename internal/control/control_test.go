package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAmsChangeFilamentLoad(t *testing.T) {
	payload := BuildAmsChangeFilament(AmsChangeFilamentRequest{Action: "load", SlotID: 2})
	print := payload["print"].(map[string]any)

	assert.Equal(t, "ams_change_filament", print["command"])
	assert.Equal(t, 2, print["slot_id"])
	assert.Equal(t, 2, print["target"])
	assert.Equal(t, -1, print["curr_temp"])
	assert.Equal(t, -1, print["tar_temp"])
}

func TestBuildAmsChangeFilamentUnload(t *testing.T) {
	payload := BuildAmsChangeFilament(AmsChangeFilamentRequest{Action: "unload", SlotID: 2})
	print := payload["print"].(map[string]any)

	assert.Equal(t, 255, print["slot_id"])
	assert.Equal(t, 255, print["target"])
	assert.Equal(t, 210, print["curr_temp"])
	assert.Equal(t, 210, print["tar_temp"])
}

func TestBuildNozzleAccessory(t *testing.T) {
	payload := BuildNozzleAccessory("hardened_steel", "0.4")
	system := payload["system"].(map[string]any)
	assert.Equal(t, "set_accessories", system["command"])
	assert.Equal(t, "nozzle", system["accessory_type"])
	assert.Equal(t, "hardened_steel", system["nozzle_type"])
	assert.Equal(t, "0.4", system["nozzle_diameter"])
}

func TestBuildAmsMaterialPayloads(t *testing.T) {
	first, second, err := BuildAmsMaterialPayloads(AmsMaterialRequest{
		SlotID:        1,
		TrayID:        1,
		TrayType:      []string{"", "PLA"},
		TrayColor:     "00FF00",
		TrayInfoIdx:   "GFL99",
		NozzleTempMax: 230,
		NozzleTempMin: 190,
	}, "0.4")
	require.NoError(t, err)

	setting := first["print"].(map[string]any)
	assert.Equal(t, "ams_filament_setting", setting["command"])
	assert.Equal(t, "00FF00FF", setting["tray_color"], "6-char colors gain an FF alpha")
	assert.Equal(t, "PLA", setting["tray_type"])
	assert.Equal(t, "GFL99", setting["setting_id"], "setting_id defaults to tray_info_idx")

	cali := second["print"].(map[string]any)
	assert.Equal(t, "extrusion_cali_sel", cali["command"])
	assert.Equal(t, "GFL99", cali["filament_id"])
	assert.Equal(t, "0.4", cali["nozzle_diameter"])
	assert.Equal(t, -1, cali["cali_idx"])
}

func TestBuildAmsMaterialValidation(t *testing.T) {
	_, _, err := BuildAmsMaterialPayloads(AmsMaterialRequest{TrayColor: "xyz", TrayType: "PLA", TrayInfoIdx: "GFL99"}, "0.4")
	assert.Error(t, err, "non-hex color rejected")

	_, _, err = BuildAmsMaterialPayloads(AmsMaterialRequest{TrayColor: "FF0000", TrayInfoIdx: "GFL99"}, "0.4")
	assert.Error(t, err, "missing tray_type rejected")

	_, _, err = BuildAmsMaterialPayloads(AmsMaterialRequest{TrayColor: "FF0000", TrayType: "PLA", TrayInfoIdx: "GFL99"}, "?")
	assert.Error(t, err, "unknown nozzle diameter rejected")
}

func TestNormalizeTrayColor(t *testing.T) {
	tests := map[string]string{
		"#0F0":      "00FF00FF",
		"00FF00":    "00FF00FF",
		"#00FF00":   "00FF00FF",
		"00ff00aa":  "00FF00AA",
		"#00FF00AA": "00FF00AA",
		"nope":      "",
		"":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeTrayColor(in), in)
	}
	// Canonicalization is idempotent.
	assert.Equal(t, "00FF00FF", NormalizeTrayColor(NormalizeTrayColor("#0F0")))
}

func TestNormalizeNozzleDiameter(t *testing.T) {
	assert.Equal(t, "0.4", NormalizeNozzleDiameter("0.4"))
	assert.Equal(t, "0.4", NormalizeNozzleDiameter("0.40"))
	assert.Equal(t, "0.6", NormalizeNozzleDiameter(" 0.6 "))
	assert.Equal(t, "", NormalizeNozzleDiameter("?"))
	assert.Equal(t, "", NormalizeNozzleDiameter(""))
}

func TestBuildSkipObjects(t *testing.T) {
	payload := BuildSkipObjects([]int{3, 5}, "")
	print := payload["print"].(map[string]any)
	assert.Equal(t, "skip_objects", print["command"])
	assert.Equal(t, []int{3, 5}, print["obj_list"])
	assert.Equal(t, "0", print["sequence_id"])
}

func TestBuildFeatureToggle(t *testing.T) {
	payload, err := BuildFeatureToggle("BUILDPLATE_MARKER_DETECTOR", true, "", false)
	require.NoError(t, err)
	xcam := payload["xcam"].(map[string]any)
	assert.Equal(t, "xcam_control_set", xcam["command"])
	assert.Equal(t, "buildplate_marker_detector", xcam["module_name"])

	payload, err = BuildFeatureToggle("CAMERA_RECORDING", false, "", false)
	require.NoError(t, err)
	camera := payload["camera"].(map[string]any)
	assert.Equal(t, "ipcam_record_set", camera["command"])
	assert.Equal(t, "disable", camera["control"])

	// Paired AMS toggles carry the peer's current value.
	payload, err = BuildFeatureToggle("AMS_DETECT_REMAIN", true, "", false)
	require.NoError(t, err)
	print := payload["print"].(map[string]any)
	assert.Equal(t, "ams_user_setting", print["command"])
	assert.Equal(t, true, print["calibrate_remain_flag"])
	assert.Equal(t, false, print["startup_read_option"])

	_, err = BuildFeatureToggle("NOT_A_FEATURE", true, "", false)
	assert.Error(t, err)
}
