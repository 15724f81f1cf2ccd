package assembler

import (
	"fmt"
	"time"

	"github.com/bambu-fleet/monitor/internal/hms"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/stage"
)

func toInt64(v any) int64 {
	return int64(toFloat(v, 0))
}

func hexGroups(v int64) string {
	return hms.IntToHexGroups(v)
}

// parsePrint normalizes a print payload into a PrintStatus, grounded on the
// original PrintDataParser. feature_toggles collapses to a flat
// key->enabled map rather than an ordered (key, supported, enabled) list;
// the original's insert_after positioning only mattered for list rendering
// order, which has no analogue in a map.
func (a *Assembler) parsePrint(printData map[string]any, moduleIndex map[string]map[string]any, serial string) model.PrintStatus {
	toggles := map[string]bool{}
	homeFlagRaw, hasHomeFlag := printData["home_flag"]
	var sdState model.SdCardState = model.SdCardNone
	if hasHomeFlag {
		var features []stage.Feature
		features, sdState = stage.ParseHomeFlag(toInt64(homeFlagRaw))
		for _, f := range features {
			switch {
			case f.Enabled != nil:
				toggles[f.Key] = *f.Enabled
			case f.Supported != nil:
				toggles[f.Key] = *f.Supported
			}
		}
	}

	if xcam := asMap(printData["xcam"]); xcam != nil {
		if v, ok := xcam["buildplate_marker_detector"]; ok {
			toggles["BUILDPLATE_MARKER_DETECTOR"] = toBool(v)
		}
	}

	timelapseEnabled := false
	if ipcam := asMap(printData["ipcam"]); ipcam != nil {
		timelapseEnabled = toBool(ipcam["timelapse"])
		if v, ok := ipcam["ipcam_record"]; ok {
			toggles["CAMERA_RECORDING"] = toStr(v) == "enable"
		}
	}

	if ams := asMap(printData["ams"]); ams != nil {
		if v, ok := ams["power_on_flag"]; ok {
			toggles["AMS_ON_STARTUP"] = toBool(v)
		}
	}

	stageHistoryRaw := asSlice(printData["stg"])
	stageHistory := make([]int, 0, len(stageHistoryRaw))
	for _, v := range stageHistoryRaw {
		stageHistory = append(stageHistory, toInt(v, 0))
	}

	remaining := formatRemaining(printData["mc_remaining_time"])

	nozzleTypeVal, hasNozzleType := printData["nozzle_type"]
	nozzleDiameterVal, hasNozzleDiameter := printData["nozzle_diameter"]
	wifiSignalVal, hasWifiSignal := printData["wifi_signal"]

	ota := moduleIndex["ota"]
	firmware := ""
	if ota != nil {
		firmware = toStr(ota["sw_ver"])
	}

	return model.PrintStatus{
		NozzleTemp:       toFloat(printData["nozzle_temper"], 0),
		NozzleTargetTemp: toFloat(printData["nozzle_target_temper"], 0),
		BedTemp:          toFloat(printData["bed_temper"], 0),
		BedTargetTemp:    toFloat(printData["bed_target_temper"], 0),
		ChamberTemp:      toFloat(printData["chamber_temper"], 0),
		Stage:            toInt(printData["stg_cur"], 0),
		StageHistory:     stageHistory,
		Percent:          toInt(printData["mc_percent"], 0),
		RemainingTime:    remaining,
		FinishTime:       formatFinish(remaining),
		Layer:            formatLayers(printData),
		GcodeState:       model.NormalizeGcodeState(toStr(printData["gcode_state"])),
		File:             toStr(printData["gcode_file"]),
		NozzleType:       toStrOr(nozzleTypeVal, hasNozzleType, "?"),
		NozzleDiameter:   toStrOr(nozzleDiameterVal, hasNozzleDiameter, "?"),
		WifiSignal:       toStrOr(wifiSignalVal, hasWifiSignal, "?"),
		CoolingFanSpeed:  toInt(printData["cooling_fan_speed"], 0),
		BigFan1Speed:     toInt(printData["big_fan1_speed"], 0),
		BigFan2Speed:     toInt(printData["big_fan2_speed"], 0),
		PrintError:       a.buildPrintError(printData["print_error"], serial),
		HMSErrors:        a.buildHMSErrors(printData["hms"], serial),
		ChamberLight:     extractChamberLight(printData["lights_report"]),
		TimelapseEnabled: timelapseEnabled,
		SdCardPresent:    toBool(printData["sdcard"]),
		SdCardState:      sdState,
		Firmware:         firmware,
		FeatureToggles:   toggles,
		SkippedObjects:   toIntList(printData["s_obj"]),
	}
}

func (a *Assembler) buildPrintError(raw any, serial string) *model.PrintError {
	if raw == nil || toInt64(raw) == 0 {
		return nil
	}
	hexCode := hexGroups(toInt64(raw))
	description := a.tables.ResolveError(hexCode, serial)
	if description == "" {
		return nil
	}
	return &model.PrintError{Code: hexCode, Description: description}
}

func (a *Assembler) buildHMSErrors(raw any, serial string) []model.HMSError {
	items := asSlice(raw)
	results := make([]model.HMSError, 0, len(items))
	for _, item := range items {
		hmsEntry := asMap(item)
		if hmsEntry == nil {
			continue
		}
		attr := toInt64(hmsEntry["attr"])
		code := toInt64(hmsEntry["code"])
		if attr == 0 || code == 0 {
			continue
		}
		fullCode := hexGroups(attr) + "-" + hexGroups(code)
		description := a.tables.ResolveHMS(fullCode, serial)
		results = append(results, model.HMSError{
			Attr:        attr,
			Code:        code,
			HexCode:     "HMS_" + fullCode,
			Description: description,
		})
	}
	return results
}

func extractChamberLight(raw any) string {
	light := "off"
	for _, item := range asSlice(raw) {
		entry := asMap(item)
		if entry == nil {
			continue
		}
		if toStr(entry["node"]) == "chamber_light" {
			if mode := toStr(entry["mode"]); mode != "" {
				light = mode
			}
		}
	}
	return light
}

func formatLayers(printData map[string]any) string {
	return fmt.Sprintf("%d/%d", toInt(printData["layer_num"], 0), toInt(printData["total_layer_num"], 0))
}

func formatRemaining(raw any) int {
	if raw == nil {
		return 0
	}
	return toInt(raw, 0)
}

func formatFinish(remaining int) string {
	if remaining > 0 {
		return time.Now().Add(time.Duration(remaining) * time.Minute).Format("15:04")
	}
	return "-"
}
