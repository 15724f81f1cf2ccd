package assembler

import "github.com/bambu-fleet/monitor/internal/model"

// parseAms normalizes an AMS payload into an AmsStatus, grounded on the
// original AmsParser. Accepts the three wire shapes the original tolerates:
// {"ams": [...]}, a bare list of units, or (falling back) a single unit map.
func (a *Assembler) parseAms(raw any, amsModule map[string]any) model.AmsStatus {
	metadata := asMap(raw)
	units := extractAmsUnits(raw)

	firmware := "N/A"
	var productName string
	if amsModule != nil {
		if v := toStr(amsModule["sw_ver"]); v != "" {
			firmware = v
		}
		productName = toStr(amsModule["product_name"])
	}

	amsUnits := make([]model.AmsUnit, 0, len(units))
	for _, unitData := range units {
		unit := model.AmsUnit{
			ID:          toInt(unitData["id"], 0),
			AmsID:       toInt(firstPresent(unitData, "ams_id", "id"), 0),
			Humidity:    toInt(unitData["humidity"], 0),
			Temp:        toFloat(unitData["temp"], 0),
			Firmware:    firmware,
			ProductName: productName,
		}
		for _, trayRaw := range asSlice(unitData["tray"]) {
			trayData := asMap(trayRaw)
			if trayData == nil {
				continue
			}
			unit.Trays = append(unit.Trays, buildTray(trayData))
		}
		amsUnits = append(amsUnits, unit)
	}

	existBits := toStrOr(metadata["tray_exist_bits"], metadata != nil && metadata["tray_exist_bits"] != nil, "0")
	isBBLBits := toStrOr(metadata["tray_is_bbl_bits"], metadata != nil && metadata["tray_is_bbl_bits"] != nil, "0")
	readDoneBits := toStrOr(metadata["tray_read_done_bits"], metadata != nil && metadata["tray_read_done_bits"] != nil, "0")
	readingBits := toStrOr(metadata["tray_reading_bits"], metadata != nil && metadata["tray_reading_bits"] != nil, "0")

	var activeTrayIndex *int
	if metadata != nil {
		if raw, ok := metadata["tray_now"]; ok && raw != nil {
			if parsed, valid := parseSlotInt(raw); valid {
				v := int(parsed)
				activeTrayIndex = &v
			}
		}
	}

	hubConnected := "Disconnected"
	if metadata != nil {
		if raw, ok := metadata["ams_exist_bits"]; ok {
			if parsed, valid := parseSlotInt(raw); valid && parsed > 0 {
				hubConnected = "Connected"
			}
		}
	}

	return model.AmsStatus{
		HubConnected:     hubConnected,
		TotalAms:         len(amsUnits),
		AmsUnits:         amsUnits,
		TrayExistBits:    existBits,
		TrayIsBBLBits:    isBBLBits,
		TrayReadDoneBits: readDoneBits,
		TrayReadingBits:  readingBits,
		TrayExistSlots:   decodeTrayBits(existBits, 4),
		ActiveTrayIndex:  activeTrayIndex,
	}
}

func extractAmsUnits(raw any) []map[string]any {
	if m := asMap(raw); m != nil {
		if units := asSlice(m["ams"]); units != nil {
			out := make([]map[string]any, 0, len(units))
			for _, u := range units {
				if um := asMap(u); um != nil {
					out = append(out, um)
				}
			}
			return out
		}
		return []map[string]any{m}
	}
	if list := asSlice(raw); list != nil {
		out := make([]map[string]any, 0, len(list))
		for _, u := range list {
			if um := asMap(u); um != nil {
				out = append(out, um)
			}
		}
		return out
	}
	return nil
}

func buildTray(trayData map[string]any) model.AmsTray {
	trayType := toStr(trayData["tray_type"])
	if trayType == "" {
		trayType = "Empty"
	}
	color := toStr(trayData["tray_color"])
	if color == "" {
		color = "000000FF"
	}
	return model.AmsTray{
		ID:            toInt(trayData["id"], 0),
		TrayType:      trayType,
		TrayColor:     color,
		Remain:        toInt(trayData["remain"], 0),
		NozzleTempMin: toInt(trayData["nozzle_temp_min"], 0),
		NozzleTempMax: toInt(trayData["nozzle_temp_max"], 0),
		TrayInfoIdx:   toStr(trayData["tray_info_idx"]),
		Exists:        trayType != "Empty",
	}
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// decodeTrayBits expands a hex-encoded tray bitfield into per-slot
// booleans; an unparseable value yields no slots.
func decodeTrayBits(bitsStr string, slots int) []bool {
	parsed, ok := parseSlotInt(bitsStr)
	if !ok {
		return nil
	}
	out := make([]bool, slots)
	for i := 0; i < slots; i++ {
		out[i] = (parsed>>uint(i))&1 == 1
	}
	return out
}
