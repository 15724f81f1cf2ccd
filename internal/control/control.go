// Package control builds the MQTT command payloads published to
// device/<serial>/request (§4.13). Every builder here is a pure function:
// no I/O, no printer state — callers in internal/api publish the returned
// map as-is.
package control

import (
	"strconv"
	"strings"

	"github.com/bambu-fleet/monitor/internal/apperr"
)

// AmsChangeFilamentRequest mirrors the load/unload request shape.
type AmsChangeFilamentRequest struct {
	AmsID       *int
	Action      string // "load" or "unload"
	SlotID      int
	SequenceID  string
	CurrentTemp *int
	TargetTemp  *int
}

// BuildAmsChangeFilament builds the ams_change_filament payload (§4.13).
func BuildAmsChangeFilament(req AmsChangeFilamentRequest) map[string]any {
	amsID := 0
	if req.AmsID != nil {
		amsID = *req.AmsID
	}
	isLoad := req.Action == "load"
	baseSlot := req.SlotID
	if baseSlot < 0 {
		baseSlot = 0
	}
	slot, target := 255, 255
	if isLoad {
		slot, target = baseSlot, baseSlot
	}
	currTemp, tarTemp := -1, -1
	if !isLoad {
		currTemp, tarTemp = 210, 210
	}
	if req.CurrentTemp != nil {
		currTemp = *req.CurrentTemp
	}
	if req.TargetTemp != nil {
		tarTemp = *req.TargetTemp
	}
	seq := req.SequenceID
	if seq == "" {
		seq = "0"
	}
	return map[string]any{
		"print": map[string]any{
			"ams_id":      amsID,
			"command":     "ams_change_filament",
			"sequence_id": seq,
			"curr_temp":   currTemp,
			"slot_id":     slot,
			"tar_temp":    tarTemp,
			"target":      target,
			"reason":      "success",
			"result":      "success",
		},
	}
}

// BuildNozzleAccessory builds the set_accessories payload.
func BuildNozzleAccessory(nozzleType, nozzleDiameter string) map[string]any {
	return map[string]any{
		"system": map[string]any{
			"sequence_id":     "0",
			"accessory_type":  "nozzle",
			"command":         "set_accessories",
			"nozzle_diameter": nozzleDiameter,
			"nozzle_type":     nozzleType,
		},
	}
}

// AmsMaterialRequest is the request shape for the two-message
// ams_filament_setting + extrusion_cali_sel sequence.
type AmsMaterialRequest struct {
	AmsID         *int
	SlotID        int
	TrayID        int
	TrayType      any // string or []string
	TrayColor     string
	TrayInfoIdx   string
	SettingID     string
	NozzleTempMax int
	NozzleTempMin int
}

// BuildAmsMaterialPayloads builds the (ams_filament_setting,
// extrusion_cali_sel) payload pair. nozzleDiameter must already be resolved
// by the caller (from the active printer's assembled state).
func BuildAmsMaterialPayloads(req AmsMaterialRequest, nozzleDiameter string) (map[string]any, map[string]any, error) {
	amsID := 0
	if req.AmsID != nil {
		amsID = *req.AmsID
	}
	trayType := NormalizeTrayType(req.TrayType)
	if trayType == "" {
		return nil, nil, apperr.BadRequest("tray_type is required")
	}
	trayColor := NormalizeTrayColor(req.TrayColor)
	if trayColor == "" {
		return nil, nil, apperr.BadRequest("tray_color is invalid")
	}
	trayInfoIdx := strings.TrimSpace(req.TrayInfoIdx)
	if trayInfoIdx == "" {
		return nil, nil, apperr.BadRequest("tray_info_idx is required")
	}
	settingID := strings.TrimSpace(req.SettingID)
	if settingID == "" {
		settingID = trayInfoIdx
	}
	diameter := NormalizeNozzleDiameter(nozzleDiameter)
	if diameter == "" {
		return nil, nil, apperr.BadRequest("Nozzle diameter unavailable")
	}

	first := map[string]any{
		"print": map[string]any{
			"ams_id":          amsID,
			"command":         "ams_filament_setting",
			"nozzle_temp_max": req.NozzleTempMax,
			"nozzle_temp_min": req.NozzleTempMin,
			"sequence_id":     "0",
			"setting_id":      settingID,
			"slot_id":         req.SlotID,
			"tray_color":      trayColor,
			"tray_id":         req.TrayID,
			"tray_info_idx":   trayInfoIdx,
			"tray_type":       trayType,
		},
	}
	second := map[string]any{
		"print": map[string]any{
			"ams_id":          amsID,
			"cali_idx":        -1,
			"command":         "extrusion_cali_sel",
			"filament_id":     trayInfoIdx,
			"nozzle_diameter": diameter,
			"sequence_id":     "0",
			"slot_id":         req.SlotID,
			"tray_id":         req.TrayID,
		},
	}
	return first, second, nil
}

// BuildSkipObjects builds the skip_objects payload. Callers enforce the
// remaining-object-count / 64-object-plate invariants (§4.13,§8) before
// calling this.
func BuildSkipObjects(objList []int, sequenceID string) map[string]any {
	seq := sequenceID
	if seq == "" {
		seq = "0"
	}
	return map[string]any{
		"print": map[string]any{
			"command":     "skip_objects",
			"obj_list":    objList,
			"sequence_id": seq,
		},
	}
}

// NormalizeTrayType returns the first truthy string of a list, or the
// string itself if not a list.
func NormalizeTrayType(value any) string {
	switch v := value.(type) {
	case []string:
		for _, s := range v {
			if s != "" {
				return s
			}
		}
		return ""
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				return str
			}
		}
		return ""
	case string:
		return v
	default:
		return ""
	}
}

// NormalizeTrayColor canonicalizes a tray color to 8-char uppercase hex
// (RGBA), appending FF alpha if a 6-char RGB value was given. Idempotent
// (§8 round-trip property).
func NormalizeTrayColor(value string) string {
	raw := strings.TrimSpace(strings.ReplaceAll(value, "#", ""))
	if len(raw) == 3 && isHex(raw) {
		expanded := make([]byte, 0, 6)
		for i := 0; i < 3; i++ {
			expanded = append(expanded, raw[i], raw[i])
		}
		raw = string(expanded)
	}
	if len(raw) == 6 {
		raw += "FF"
	}
	if len(raw) == 8 && isHex(raw) {
		return strings.ToUpper(raw)
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// NormalizeNozzleDiameter formats a raw diameter value (string, "?", or
// numeric) to one decimal place, or "" if it can't be parsed.
func NormalizeNozzleDiameter(value string) string {
	text := strings.TrimSpace(value)
	if text == "" || text == "?" {
		return ""
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(parsed, 'f', 1, 64)
}

// FeatureToggleKeys is the set of recognized feature_toggle dispatch keys.
var FeatureToggleKeys = map[string]bool{
	"STEP_LOSS_RECOVERY":         true,
	"PROMPT_SOUND":               true,
	"FILAMENT_TANGLE_DETECT":     true,
	"AMS_DETECT_REMAIN":          true,
	"AMS_ON_STARTUP":             true,
	"AMS_AUTO_REFILL":            true,
	"AIR_PRINT_DETECTION":        true,
	"CAMERA_RECORDING":           true,
	"NOZZLE_BLOB_DETECTION":      true,
	"BUILDPLATE_MARKER_DETECTOR": true,
}

// BuildFeatureToggle dispatches a feature_toggle key to its payload shape
// (§4.13). peerEnabled carries the paired AMS_DETECT_REMAIN/AMS_ON_STARTUP
// value since the printer expects both flags in the same ams_user_setting
// message.
func BuildFeatureToggle(key string, enabled bool, sequenceID string, peerEnabled bool) (map[string]any, error) {
	if !FeatureToggleKeys[key] {
		return nil, apperr.BadRequest("unsupported feature key: " + key)
	}
	seq := sequenceID
	if seq == "" {
		seq = "0"
	}

	switch key {
	case "BUILDPLATE_MARKER_DETECTOR":
		return map[string]any{
			"xcam": map[string]any{
				"command":     "xcam_control_set",
				"control":     enabled,
				"enable":      enabled,
				"module_name": "buildplate_marker_detector",
				"print_halt":  true,
			},
		}, nil

	case "CAMERA_RECORDING":
		control := "disable"
		if enabled {
			control = "enable"
		}
		return map[string]any{
			"camera": map[string]any{
				"command":     "ipcam_record_set",
				"control":     control,
				"sequence_id": seq,
			},
		}, nil

	case "AMS_DETECT_REMAIN", "AMS_ON_STARTUP":
		calibrateRemain := peerEnabled
		startupRead := peerEnabled
		if key == "AMS_DETECT_REMAIN" {
			calibrateRemain = enabled
		} else {
			startupRead = enabled
		}
		return map[string]any{
			"print": map[string]any{
				"ams_id":                -1,
				"calibrate_remain_flag": calibrateRemain,
				"command":               "ams_user_setting",
				"sequence_id":           seq,
				"startup_read_option":   startupRead,
				"tray_read_option":      false,
			},
		}, nil
	}

	payload := map[string]any{
		"command":     "print_option",
		"sequence_id": seq,
	}
	switch key {
	case "STEP_LOSS_RECOVERY":
		payload["auto_recovery"] = enabled
	case "PROMPT_SOUND":
		payload["sound_enable"] = enabled
	case "FILAMENT_TANGLE_DETECT":
		payload["filament_tangle_detect"] = enabled
	case "AMS_AUTO_REFILL":
		payload["auto_switch_filament"] = enabled
	case "AIR_PRINT_DETECTION":
		payload["air_print_detect"] = enabled
	case "NOZZLE_BLOB_DETECTION":
		payload["nozzle_blob_detect"] = enabled
	default:
		return nil, apperr.BadRequest("unhandled feature key: " + key)
	}
	return map[string]any{"print": payload}, nil
}
