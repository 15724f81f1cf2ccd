package filament

import (
	"strconv"
	"strings"
	"time"

	"github.com/bambu-fleet/monitor/internal/model"
)

// CaptureCandidate is a filament setting observed from an AMS/extrusion-cali
// MQTT command, or inferred from the printer's currently-loaded trays, kept
// around so it can be promoted into a custom catalog entry later.
type CaptureCandidate struct {
	TrayInfoIdx   string `json:"tray_info_idx"`
	Source        string `json:"source,omitempty"`
	TrayType      string `json:"tray_type,omitempty"`
	SettingID     string `json:"setting_id,omitempty"`
	NozzleTempMin *int   `json:"nozzle_temp_min,omitempty"`
	NozzleTempMax *int   `json:"nozzle_temp_max,omitempty"`
	TrayColor     string `json:"tray_color,omitempty"`
	AmsID         *int   `json:"ams_id,omitempty"`
	TrayID        *int   `json:"tray_id,omitempty"`
	SlotID        *int   `json:"slot_id,omitempty"`
	NozzleDiameter string `json:"nozzle_diameter,omitempty"`
	SequenceID    string `json:"sequence_id,omitempty"`
	LastSeen      string `json:"last_seen,omitempty"`
}

// Ingest implements orchestrator.FilamentIngestor: it inspects an inbound
// MQTT payload for a successful ams_filament_setting / extrusion_cali_sel
// command and merges the normalized fields into the per-printer, per
// tray_info_idx capture cache (§4.12), grounded on
// original_source/app/services/filament_capture_service.py ingest_payload.
func (c *Catalog) Ingest(printerID string, payload map[string]any) {
	if printerID == "" || payload == nil {
		return
	}
	printData, ok := payload["print"].(map[string]any)
	if !ok {
		return
	}
	command := strings.TrimSpace(toText(printData["command"]))
	if command != "ams_filament_setting" && command != "extrusion_cali_sel" {
		return
	}
	if !isSuccess(printData["result"]) {
		return
	}

	var trayInfoIdx string
	updates := map[string]any{}

	switch command {
	case "ams_filament_setting":
		trayInfoIdx = normalizeCaptureText(printData["tray_info_idx"])
		if trayInfoIdx == "" {
			return
		}
		updates["tray_info_idx"] = trayInfoIdx
		updates["tray_type"] = normalizeTrayType(printData["tray_type"])
		updates["setting_id"] = normalizeCaptureText(printData["setting_id"])
		updates["nozzle_temp_min"] = normalizeCaptureInt(printData["nozzle_temp_min"])
		updates["nozzle_temp_max"] = normalizeCaptureInt(printData["nozzle_temp_max"])
		updates["tray_color"] = normalizeCaptureColor(printData["tray_color"])
		updates["ams_id"] = normalizeCaptureInt(printData["ams_id"])
		updates["tray_id"] = normalizeCaptureInt(printData["tray_id"])
		updates["slot_id"] = normalizeCaptureInt(printData["slot_id"])
		updates["sequence_id"] = normalizeCaptureText(printData["sequence_id"])
	case "extrusion_cali_sel":
		trayInfoIdx = normalizeCaptureText(printData["filament_id"])
		if trayInfoIdx == "" {
			return
		}
		updates["tray_info_idx"] = trayInfoIdx
		updates["nozzle_diameter"] = normalizeCaptureNozzleDiameter(printData["nozzle_diameter"])
		updates["ams_id"] = normalizeCaptureInt(printData["ams_id"])
		updates["tray_id"] = normalizeCaptureInt(printData["tray_id"])
		updates["slot_id"] = normalizeCaptureInt(printData["slot_id"])
		updates["sequence_id"] = normalizeCaptureText(printData["sequence_id"])
	}
	if trayInfoIdx == "" {
		return
	}

	c.captureMu.Lock()
	defer c.captureMu.Unlock()
	printerCache, ok := c.capture[printerID]
	if !ok {
		printerCache = map[string]map[string]any{}
		c.capture[printerID] = printerCache
	}
	record, ok := printerCache[trayInfoIdx]
	if !ok {
		record = map[string]any{"tray_info_idx": trayInfoIdx}
	}
	for key, value := range updates {
		if value == nil || value == "" {
			continue
		}
		record[key] = value
	}
	record["last_seen"] = time.Now().UTC().Format(time.RFC3339Nano)
	printerCache[trayInfoIdx] = record
}

func isSuccess(value any) bool {
	return strings.EqualFold(strings.TrimSpace(toText(value)), "success")
}

func normalizeCaptureText(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(toText(value))
}

func normalizeCaptureInt(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return int(v)
	case string:
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return int(f)
	default:
		return nil
	}
}

func normalizeCaptureColor(value any) string {
	raw := normalizeCaptureText(value)
	if raw == "" {
		return ""
	}
	raw = strings.ReplaceAll(raw, "#", "")
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

func normalizeTrayType(value any) string {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if text := normalizeCaptureText(item); text != "" {
				return text
			}
		}
		return ""
	case []string:
		for _, item := range v {
			if text := strings.TrimSpace(item); text != "" {
				return text
			}
		}
		return ""
	default:
		return normalizeCaptureText(v)
	}
}

func normalizeCaptureNozzleDiameter(value any) string {
	text := normalizeCaptureText(value)
	if text == "" || text == "?" {
		return ""
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(parsed, 'f', 1, 64)
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ListCandidates returns the raw captured records for a printer, merged
// with unmatched AMS slots and the external spool currently reported by its
// live state, minus anything already present in the filtered catalog
// (§4.12), grounded on build_candidates.
func (c *Catalog) ListCandidates(printerID string, state model.PrinterState, catalog []CatalogItem) []CaptureCandidate {
	if printerID == "" {
		return nil
	}

	catalogTrayIDs := map[string]bool{}
	for _, item := range catalog {
		if item.TrayInfoIdx != "" {
			catalogTrayIDs[item.TrayInfoIdx] = true
		}
	}

	merged := map[string]CaptureCandidate{}

	c.captureMu.Lock()
	for _, record := range c.capture[printerID] {
		cand := recordToCandidate(record)
		if cand.Source == "" {
			cand.Source = "command"
		}
		if cand.TrayInfoIdx != "" && !catalogTrayIDs[cand.TrayInfoIdx] {
			merged[cand.TrayInfoIdx] = cand
		}
	}
	c.captureMu.Unlock()

	for _, unit := range state.Ams.AmsUnits {
		amsID := unit.AmsID
		for _, tray := range unit.Trays {
			trayInfoIdx := strings.TrimSpace(tray.TrayInfoIdx)
			if trayInfoIdx == "" || catalogTrayIDs[trayInfoIdx] {
				continue
			}
			if _, exists := merged[trayInfoIdx]; exists {
				continue
			}
			trayID := tray.ID
			merged[trayInfoIdx] = CaptureCandidate{
				TrayInfoIdx:   trayInfoIdx,
				Source:        "ams_slot",
				TrayType:      tray.TrayType,
				NozzleTempMin: intPtrOrNil(tray.NozzleTempMin),
				NozzleTempMax: intPtrOrNil(tray.NozzleTempMax),
				TrayColor:     tray.TrayColor,
				AmsID:         &amsID,
				TrayID:        &trayID,
			}
		}
	}

	if es := state.Ams.ExternalSpool; es != nil {
		trayInfoIdx := strings.TrimSpace(es.TrayInfoIdx)
		if trayInfoIdx != "" && !catalogTrayIDs[trayInfoIdx] {
			if _, exists := merged[trayInfoIdx]; !exists {
				trayID := es.ID
				merged[trayInfoIdx] = CaptureCandidate{
					TrayInfoIdx:   trayInfoIdx,
					Source:        "external_spool",
					TrayType:      es.TrayType,
					NozzleTempMin: intPtrOrNil(es.NozzleTempMin),
					NozzleTempMax: intPtrOrNil(es.NozzleTempMax),
					TrayColor:     es.TrayColor,
					TrayID:        &trayID,
				}
			}
		}
	}

	out := make([]CaptureCandidate, 0, len(merged))
	for _, cand := range merged {
		out = append(out, cand)
	}
	return out
}

func intPtrOrNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func recordToCandidate(record map[string]any) CaptureCandidate {
	cand := CaptureCandidate{
		TrayInfoIdx:    asString(record["tray_info_idx"]),
		Source:         asString(record["source"]),
		TrayType:       asString(record["tray_type"]),
		SettingID:      asString(record["setting_id"]),
		TrayColor:      asString(record["tray_color"]),
		NozzleDiameter: asString(record["nozzle_diameter"]),
		SequenceID:     asString(record["sequence_id"]),
		LastSeen:       asString(record["last_seen"]),
		NozzleTempMin:  asIntPtr(record["nozzle_temp_min"]),
		NozzleTempMax:  asIntPtr(record["nozzle_temp_max"]),
		AmsID:          asIntPtr(record["ams_id"]),
		TrayID:         asIntPtr(record["tray_id"]),
		SlotID:         asIntPtr(record["slot_id"]),
	}
	return cand
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asIntPtr(v any) *int {
	if v == nil {
		return nil
	}
	if i, ok := v.(int); ok {
		return &i
	}
	return nil
}
