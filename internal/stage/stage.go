// Package stage resolves numeric print-stage codes, SD-card state, and the
// home_flag feature-toggle bitfield into human labels, ported verbatim from
// the original source's STAGE_DESCRIPTIONS table and home_flag bit layout
// (§4.4 step 3).
package stage

import (
	"fmt"
	"sort"

	"github.com/bambu-fleet/monitor/internal/model"
)

// descriptions is the 67-entry stage table (mc_print_stage -> label).
var descriptions = map[int]string{
	0:  "Printing",
	1:  "Auto bed leveling",
	2:  "Heatbed preheating",
	3:  "Vibration compensation",
	4:  "Changing filament",
	5:  "M400 pause",
	6:  "Paused (filament ran out)",
	7:  "Heating nozzle",
	8:  "Calibrating dynamic flow",
	9:  "Scanning bed surface",
	10: "Inspecting first layer",
	11: "Identifying build plate type",
	12: "Calibrating Micro Lidar",
	13: "Homing toolhead",
	14: "Cleaning nozzle tip",
	15: "Checking extruder temperature",
	16: "Paused by the user",
	17: "Pause (front cover fall off)",
	18: "Calibrating the micro lidar",
	19: "Calibrating flow ratio",
	20: "Pause (nozzle temperature malfunction)",
	21: "Pause (heatbed temperature malfunction)",
	22: "Filament unloading",
	23: "Pause (step loss)",
	24: "Filament loading",
	25: "Motor noise cancellation",
	26: "Pause (AMS offline)",
	27: "Pause (low speed of the heatbreak fan)",
	28: "Pause (chamber temperature control problem)",
	29: "Cooling chamber",
	30: "Pause (Gcode inserted by user)",
	31: "Motor noise showoff",
	32: "Pause (nozzle clumping)",
	33: "Pause (cutter error)",
	34: "Pause (first layer error)",
	35: "Pause (nozzle clog)",
	36: "Measuring motion precision",
	37: "Enhancing motion precision",
	38: "Measure motion accuracy",
	39: "Nozzle offset calibration",
	40: "High temperature auto bed leveling",
	41: "Auto Check: Quick Release Lever",
	42: "Auto Check: Door and Upper Cover",
	43: "Laser Calibration",
	44: "Auto Check: Platform",
	45: "Confirming BirdsEye Camera location",
	46: "Calibrating BirdsEye Camera",
	47: "Auto bed leveling - phase 1",
	48: "Auto bed leveling - phase 2",
	49: "Heating chamber",
	50: "Cooling heatbed",
	51: "Printing calibration lines",
	52: "Auto Check: Material",
	53: "Live View Camera Calibration",
	54: "Waiting for heatbed target temperature",
	55: "Auto Check: Material Position",
	56: "Cutting Module Offset Calibration",
	57: "Measuring Surface",
	58: "Thermal Preconditioning for first layer",
	59: "Homing Blade Holder",
	60: "Calibrating Camera Offset",
	61: "Calibrating Blade Holder Position",
	62: "Hotend Pick and Place Test",
	63: "Waiting for chamber temperature to equalize",
	64: "Preparing Hotend",
	65: "Calibrating detection position of nozzle clumping",
	66: "Purifying the chamber air",
}

// ResolveLabel returns the human label for a numeric stage code, or a
// "Stage N" fallback for unrecognized codes.
func ResolveLabel(code int) string {
	if label, ok := descriptions[code]; ok {
		return label
	}
	return fmt.Sprintf("Stage %d", code)
}

// Feature is one bit-derived entry in the home_flag decode (§4.4 step 3).
type Feature struct {
	Key       string
	Supported *bool
	Enabled   *bool
}

var statusBits = map[int]string{
	0:  "X_AXIS_AT_HOME",
	1:  "Y_AXIS_AT_HOME",
	2:  "Z_AXIS_AT_HOME",
	3:  "IS_220V_VOLTAGE",
	4:  "STEP_LOSS_RECOVERY",
	7:  "AMS_DETECT_REMAIN",
	10: "AMS_AUTO_REFILL",
}

var supportOnlyBits = map[int]string{
	15: "FLOW_CALIBRATION",
	16: "PA_CALIBRATION",
	21: "MOTOR_NOISE_CALIBRATION",
	22: "USER_PRESET",
	30: "AGORA",
}

type toggleBits struct {
	support, enabled int
}

var toggleBitsByKey = map[string]toggleBits{
	"FILAMENT_TANGLE_DETECT": {support: 19, enabled: 20},
	"NOZZLE_BLOB_DETECTION":  {support: 25, enabled: 24},
	"UPGRADE_KIT":            {support: 27, enabled: 26},
	"AIR_PRINT_DETECTION":    {support: 29, enabled: 28},
	"PROMPT_SOUND":           {support: 18, enabled: 17},
}

func bp(b bool) *bool { return &b }

// ParseHomeFlag decodes the 32-bit home_flag word into an ordered feature
// list (status bits by bit number, then support-only bits by bit number,
// then toggle pairs sorted alphabetically by key) plus the SD-card state
// carried in bits 8-9.
func ParseHomeFlag(raw int64) ([]Feature, model.SdCardState) {
	var features []Feature

	statusKeys := make([]int, 0, len(statusBits))
	for bit := range statusBits {
		statusKeys = append(statusKeys, bit)
	}
	sort.Ints(statusKeys)
	for _, bit := range statusKeys {
		features = append(features, Feature{
			Key:     statusBits[bit],
			Enabled: bp(raw&(1<<uint(bit)) != 0),
		})
	}

	supportKeys := make([]int, 0, len(supportOnlyBits))
	for bit := range supportOnlyBits {
		supportKeys = append(supportKeys, bit)
	}
	sort.Ints(supportKeys)
	for _, bit := range supportKeys {
		features = append(features, Feature{
			Key:       supportOnlyBits[bit],
			Supported: bp(raw&(1<<uint(bit)) != 0),
		})
	}

	toggleKeys := make([]string, 0, len(toggleBitsByKey))
	for k := range toggleBitsByKey {
		toggleKeys = append(toggleKeys, k)
	}
	sort.Strings(toggleKeys)
	for _, key := range toggleKeys {
		bits := toggleBitsByKey[key]
		features = append(features, Feature{
			Key:       key,
			Supported: bp(raw&(1<<uint(bits.support)) != 0),
			Enabled:   bp(raw&(1<<uint(bits.enabled)) != 0),
		})
	}

	sdStates := []model.SdCardState{model.SdCardNone, model.SdCardNormal, model.SdCardAbnormal, model.SdCardReadOnly}
	sdIndex := (raw >> 8) & 0x03
	sdState := model.SdCardNone
	if sdIndex >= 0 && int(sdIndex) < len(sdStates) {
		sdState = sdStates[sdIndex]
	}

	return features, sdState
}
