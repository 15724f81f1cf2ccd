// Package printjob implements the print-job preparation pipeline: fetch a
// 3MF from the printer's SD card, cache it, extract it, parse the slice
// metadata and G-code headers, and derive skip-object feasibility. It also
// publishes the project_file command that starts a print.
package printjob

import (
	"bufio"
	"encoding/xml"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SlicePlate is one plate parsed from Metadata/slice_info.config.
type SlicePlate struct {
	Index     *int              `json:"index"`
	Metadata  map[string]string `json:"metadata"`
	Filaments []PlateFilament   `json:"filaments"`
	Warnings  []PlateWarning    `json:"warnings"`
	Objects   []PlateObject     `json:"objects"`
	Gcode     *GcodeSummary     `json:"gcode,omitempty"`
}

type PlateFilament struct {
	ID          int     `json:"id"`
	TrayInfoIdx string  `json:"tray_info_idx"`
	Type        string  `json:"type"`
	Color       string  `json:"color"`
	UsedM       float64 `json:"used_m"`
	UsedG       float64 `json:"used_g"`
}

type PlateWarning struct {
	Msg       string `json:"msg"`
	Level     string `json:"level"`
	ErrorCode string `json:"error_code"`
}

type PlateObject struct {
	IdentifyID *int   `json:"identify_id"`
	Name       string `json:"name"`
	Skipped    bool   `json:"skipped"`
}

// GcodeSummary is the header block of a plate's G-code file.
type GcodeSummary struct {
	EstimatedTimeS       *int     `json:"estimated_time_s"`
	ModelPrintingTimeS   *int     `json:"model_printing_time_s"`
	TotalLayerNumber     *int     `json:"total_layer_number"`
	TotalFilamentWeightG *float64 `json:"total_filament_weight_g"`
	FilamentIDs          []string `json:"filament_ids"`
	FilamentSettings     []string `json:"filament_settings"`
}

// ModelSettingsPlate is one plate from Metadata/model_settings.config,
// keyed by plater_id and carrying the pick_file mapping.
type ModelSettingsPlate struct {
	Index    *int              `json:"index"`
	Metadata map[string]string `json:"metadata"`
}

type xmlConfig struct {
	Plates []xmlPlate `xml:"plate"`
}

type xmlPlate struct {
	Metadata []xmlMetadata `xml:"metadata"`
	Filament []xmlFilament `xml:"filament"`
	Warning  []xmlWarning  `xml:"warning"`
	Object   []xmlObject   `xml:"object"`
}

type xmlMetadata struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

type xmlFilament struct {
	ID          string `xml:"id,attr"`
	TrayInfoIdx string `xml:"tray_info_idx,attr"`
	Type        string `xml:"type,attr"`
	Color       string `xml:"color,attr"`
	UsedM       string `xml:"used_m,attr"`
	UsedG       string `xml:"used_g,attr"`
}

type xmlWarning struct {
	Msg       string `xml:"msg,attr"`
	Level     string `xml:"level,attr"`
	ErrorCode string `xml:"error_code,attr"`
}

type xmlObject struct {
	IdentifyID string `xml:"identify_id,attr"`
	Name       string `xml:"name,attr"`
	Skipped    string `xml:"skipped,attr"`
}

// parseSliceMetadata reads Metadata/slice_info.config under extractDir.
// Parse failures degrade to an empty plate list rather than erroring, the
// same as a 3MF without slice info.
func parseSliceMetadata(extractDir string) []SlicePlate {
	configPath := filepath.Join(extractDir, "Metadata", "slice_info.config")
	data, err := os.ReadFile(configPath)
	if err != nil {
		slog.Warn("slice_info.config not found", "path", configPath)
		return nil
	}

	var parsed xmlConfig
	if err := xml.Unmarshal(data, &parsed); err != nil {
		slog.Warn("failed to parse slice_info.config", "error", err)
		return nil
	}

	plates := make([]SlicePlate, 0, len(parsed.Plates))
	for _, raw := range parsed.Plates {
		plate := SlicePlate{Metadata: map[string]string{}}
		for _, meta := range raw.Metadata {
			if meta.Key != "" {
				plate.Metadata[meta.Key] = meta.Value
			}
		}
		plate.Index = parseOptionalInt(plate.Metadata["index"])
		for _, fil := range raw.Filament {
			plate.Filaments = append(plate.Filaments, PlateFilament{
				ID:          atoiDefault(fil.ID, 0),
				TrayInfoIdx: fil.TrayInfoIdx,
				Type:        fil.Type,
				Color:       fil.Color,
				UsedM:       atofDefault(fil.UsedM, 0),
				UsedG:       atofDefault(fil.UsedG, 0),
			})
		}
		for _, warn := range raw.Warning {
			plate.Warnings = append(plate.Warnings, PlateWarning{Msg: warn.Msg, Level: warn.Level, ErrorCode: warn.ErrorCode})
		}
		for _, obj := range raw.Object {
			plate.Objects = append(plate.Objects, PlateObject{
				IdentifyID: parseOptionalInt(obj.IdentifyID),
				Name:       obj.Name,
				Skipped:    strings.EqualFold(strings.TrimSpace(obj.Skipped), "true"),
			})
		}
		plates = append(plates, plate)
	}
	return plates
}

// parseModelSettings reads Metadata/model_settings.config, which maps each
// plate (by plater_id) to its pick_file and other layout metadata.
func parseModelSettings(extractDir string) []ModelSettingsPlate {
	configPath := filepath.Join(extractDir, "Metadata", "model_settings.config")
	data, err := os.ReadFile(configPath)
	if err != nil {
		slog.Warn("model_settings.config not found", "path", configPath)
		return nil
	}

	var parsed xmlConfig
	if err := xml.Unmarshal(data, &parsed); err != nil {
		slog.Warn("failed to parse model_settings.config", "error", err)
		return nil
	}

	plates := make([]ModelSettingsPlate, 0, len(parsed.Plates))
	for _, raw := range parsed.Plates {
		plate := ModelSettingsPlate{Metadata: map[string]string{}}
		for _, meta := range raw.Metadata {
			if meta.Key != "" {
				plate.Metadata[meta.Key] = meta.Value
			}
		}
		plate.Index = parseOptionalInt(plate.Metadata["plater_id"])
		plates = append(plates, plate)
	}
	return plates
}

var (
	gcodeTimePattern  = regexp.MustCompile(`(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?`)
	plateIndexPattern = regexp.MustCompile(`plate_(\d+)`)
	quotedPattern     = regexp.MustCompile(`"([^"]+)"`)
)

const gcodeHeaderLines = 300

// parseGcodeHeader scans the first 300 lines of a plate G-code file for the
// HEADER_BLOCK estimates and the filament id/settings comments.
func parseGcodeHeader(platePath string) GcodeSummary {
	summary := GcodeSummary{FilamentIDs: []string{}, FilamentSettings: []string{}}

	f, err := os.Open(platePath)
	if err != nil {
		slog.Warn("plate gcode file does not exist", "path", platePath)
		return summary
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	inHeader := false
	for line := 0; line < gcodeHeaderLines && scanner.Scan(); line++ {
		stripped := strings.TrimSpace(scanner.Text())

		if strings.Contains(stripped, "HEADER_BLOCK_START") {
			inHeader = true
			continue
		}
		if strings.Contains(stripped, "HEADER_BLOCK_END") {
			inHeader = false
			continue
		}

		if inHeader && strings.HasPrefix(stripped, ";") {
			content := strings.TrimSpace(strings.TrimLeft(stripped, ";"))
			switch {
			case strings.HasPrefix(content, "model printing time:"):
				parts := strings.Split(content, ";")
				if text, ok := strings.CutPrefix(parts[0], "model printing time:"); ok {
					summary.ModelPrintingTimeS = parseDurationSeconds(text)
				}
				if len(parts) >= 2 {
					if idx := strings.Index(parts[1], "total estimated time:"); idx >= 0 {
						summary.EstimatedTimeS = parseDurationSeconds(parts[1][idx+len("total estimated time:"):])
					}
				}
			case strings.HasPrefix(content, "total layer number:"):
				summary.TotalLayerNumber = parseOptionalInt(strings.TrimPrefix(content, "total layer number:"))
			case strings.HasPrefix(content, "total filament weight"):
				if idx := strings.LastIndex(content, ":"); idx >= 0 {
					if v, err := strconv.ParseFloat(strings.TrimSpace(content[idx+1:]), 64); err == nil {
						summary.TotalFilamentWeightG = &v
					}
				}
			}
		}

		if strings.HasPrefix(stripped, "; filament_ids") {
			if _, value, ok := strings.Cut(stripped, "="); ok {
				for _, part := range strings.Split(value, ";") {
					if trimmed := strings.TrimSpace(part); trimmed != "" {
						summary.FilamentIDs = append(summary.FilamentIDs, trimmed)
					}
				}
			}
		}
		if strings.HasPrefix(stripped, "; filament_settings_id") {
			if _, value, ok := strings.Cut(stripped, "="); ok {
				raw := strings.TrimSpace(value)
				raw = strings.TrimSpace(strings.TrimPrefix(raw, ";"))
				for _, match := range quotedPattern.FindAllStringSubmatch(raw, -1) {
					summary.FilamentSettings = append(summary.FilamentSettings, match[1])
				}
			}
		}
	}
	return summary
}

// parseDurationSeconds parses "(Nh)(Nm)(Ns)" text into seconds.
func parseDurationSeconds(text string) *int {
	m := gcodeTimePattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return nil
	}
	total := atoiDefault(m[1], 0)*3600 + atoiDefault(m[2], 0)*60 + atoiDefault(m[3], 0)
	return &total
}

// extractPlateIndex pulls the N from "plate_N.gcode"-style names.
func extractPlateIndex(filename string) *int {
	m := plateIndexPattern.FindStringSubmatch(filename)
	if m == nil {
		return nil
	}
	return parseOptionalInt(m[1])
}

func parseOptionalInt(value string) *int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	return &v
}

func atoiDefault(value string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return def
	}
	return v
}

func atofDefault(value string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return def
	}
	return v
}
