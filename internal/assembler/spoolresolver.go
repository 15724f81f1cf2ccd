package assembler

import "github.com/bambu-fleet/monitor/internal/model"

// attachExternalSpool locates the vt_tray block (top-level or nested under
// print) and, if present, decorates state.Ams.ExternalSpool with it.
// Grounded on the original SpoolResolver.
func (a *Assembler) attachExternalSpool(state *model.PrinterState, master map[string]any) {
	vt := asMap(master["vt_tray"])
	if vt == nil {
		if printSection := asMap(master["print"]); printSection != nil {
			vt = asMap(printSection["vt_tray"])
		}
	}
	if vt == nil {
		state.Ams.ExternalSpool = nil
		return
	}

	trayType := toStr(firstPresent(vt, "tray_type", "tray_info_idx"))
	if trayType == "" {
		trayType = "External Spool"
	}
	color := toStr(firstPresent(vt, "tray_color", "color"))
	if color == "" {
		color = "000000FF"
	}

	state.Ams.ExternalSpool = &model.ExternalSpool{
		ID:            toInt(firstPresent(vt, "id", "tray_id", "tray_id_name"), 0),
		TrayType:      trayType,
		TrayColor:     color,
		Remain:        toInt(vt["remain"], 0),
		NozzleTempMin: toInt(firstPresent(vt, "nozzle_temp_min", "nozzle_min"), 0),
		NozzleTempMax: toInt(firstPresent(vt, "nozzle_temp_max", "nozzle_max"), 0),
		TrayInfoIdx:   toStr(firstPresent(vt, "tray_info_idx", "tray_id_name", "filament_id")),
	}
}
