// Package filament implements the filament catalog (bundled + custom
// profiles, filtered by compatible printer/nozzle) and the in-memory
// capture of AMS filament settings observed over MQTT (§4.12), grounded
// on original_source/app/services/filament_catalog_service.py and
// filament_capture_service.py.
package filament

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// CatalogItem is a filament profile compatible with some set of printer
// models/nozzle diameters (bundled) or hand-entered by an operator (custom).
type CatalogItem struct {
	Alias          string   `json:"alias"`
	Brand          string   `json:"brand,omitempty"`
	Material       string   `json:"material,omitempty"`
	SettingID      string   `json:"setting_id"`
	TrayInfoIdx    string   `json:"tray_info_idx"`
	TrayType       []string `json:"tray_type"`
	NozzleTempMin  *int     `json:"nozzle_temp_min,omitempty"`
	NozzleTempMax  *int     `json:"nozzle_temp_max,omitempty"`
	IsCustom       bool     `json:"is_custom"`
}

// CustomFilamentRequest is the payload accepted by POST /filaments/custom.
type CustomFilamentRequest struct {
	Alias         string `json:"alias"`
	SettingID     string `json:"setting_id,omitempty"`
	TrayInfoIdx   string `json:"tray_info_idx"`
	TrayType      any    `json:"tray_type"` // string or []string
	NozzleTempMin int    `json:"nozzle_temp_min"`
	NozzleTempMax int    `json:"nozzle_temp_max"`
}

type rawVariant struct {
	SettingID           any    `json:"setting_id"`
	TrayInfoIdx         any    `json:"tray_info_idx"`
	TrayType            any    `json:"tray_type"`
	CompatiblePrinters  any    `json:"compatible_printers"`
	NozzleTempMin       any    `json:"nozzle_temp_min"`
	NozzleTempMax       any    `json:"nozzle_temp_max"`
}

type rawFamily struct {
	Alias    string       `json:"alias"`
	Variants []rawVariant `json:"variants"`
}

type catalogEntry struct {
	alias               string
	compatiblePrinters  []string
	settingID           string
	trayInfoIdx         string
	trayType            []string
	nozzleTempMin       *int
	nozzleTempMax       *int
}

var nozzlePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:mm\s*)?nozzle`)

var modelAliases = map[string]string{
	"x1c":      "x1 carbon",
	"x1 carbon": "x1 carbon",
	"x1e":      "x1e",
	"x1":       "x1",
	"p1p":      "p1p",
	"p1s":      "p1s",
	"a1":       "a1",
	"a1 mini":  "a1 mini",
	"p2s":      "p2s",
	"h2c":      "h2c",
	"h2s":      "h2s",
}

// Catalog loads the bundled filament catalog and the operator-maintained
// custom catalog, and merges AMS-observed filament settings (via Ingest)
// into per-printer capture candidates.
type Catalog struct {
	basePath   string
	customPath string

	mu       sync.Mutex
	catalog  []catalogEntry
	custom   map[string]catalogEntry // tray_info_idx -> entry

	captureMu sync.Mutex
	capture   map[string]map[string]map[string]any // printer_id -> tray_info_idx -> record
}

// NewCatalog loads baseDir/filaments_full.json and baseDir/custom_filament.json.
func NewCatalog(baseDir string) *Catalog {
	c := &Catalog{
		basePath:   filepath.Join(baseDir, "filaments_full.json"),
		customPath: filepath.Join(baseDir, "custom_filament.json"),
		custom:     map[string]catalogEntry{},
		capture:    map[string]map[string]map[string]any{},
	}
	c.Reload()
	return c
}

// Reload re-reads both catalog files from disk.
func (c *Catalog) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = parseRaw(readJSONObject(c.basePath))
	c.custom = parseCustom(readJSONObject(c.customPath))
}

func readJSONObject(path string) map[string]json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func parseRaw(raw map[string]json.RawMessage) []catalogEntry {
	var parsed []catalogEntry
	for key, rawValue := range raw {
		var family rawFamily
		if err := json.Unmarshal(rawValue, &family); err != nil {
			continue
		}
		alias := family.Alias
		if alias == "" {
			alias = key
		}
		for _, variant := range family.Variants {
			settingID := toText(variant.SettingID)
			trayInfoIdx := toText(variant.TrayInfoIdx)
			trayType := normalizeStringList(variant.TrayType)
			if settingID == "" || trayInfoIdx == "" || len(trayType) == 0 {
				continue
			}
			parsed = append(parsed, catalogEntry{
				alias:              alias,
				compatiblePrinters: normalizeStringList(variant.CompatiblePrinters),
				settingID:          settingID,
				trayInfoIdx:        trayInfoIdx,
				trayType:           trayType,
				nozzleTempMin:      toIntPtr(variant.NozzleTempMin),
				nozzleTempMax:      toIntPtr(variant.NozzleTempMax),
			})
		}
	}
	return parsed
}

type rawCustomFile struct {
	Items json.RawMessage `json:"items"`
}

func parseCustom(raw map[string]json.RawMessage) map[string]catalogEntry {
	out := map[string]catalogEntry{}
	if raw == nil {
		return out
	}
	itemsRaw, ok := raw["items"]
	if !ok {
		return out
	}
	var entries []map[string]any
	// items may be a list or (legacy) a dict of entries
	if err := json.Unmarshal(itemsRaw, &entries); err != nil {
		var asMap map[string]map[string]any
		if err := json.Unmarshal(itemsRaw, &asMap); err != nil {
			return out
		}
		for _, v := range asMap {
			entries = append(entries, v)
		}
	}
	for _, entry := range entries {
		trayInfoIdx := toText(entry["tray_info_idx"])
		alias := toText(entry["alias"])
		trayType := normalizeStringList(entry["tray_type"])
		if trayInfoIdx == "" || alias == "" || len(trayType) == 0 {
			continue
		}
		out[trayInfoIdx] = catalogEntry{
			alias:         alias,
			settingID:     toText(entry["setting_id"]),
			trayInfoIdx:   trayInfoIdx,
			trayType:      trayType,
			nozzleTempMin: toIntPtr(entry["nozzle_temp_min"]),
			nozzleTempMax: toIntPtr(entry["nozzle_temp_max"]),
		}
	}
	return out
}

func toText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toIntPtr(value any) *int {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		i := int(v)
		return &i
	case string:
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		i := int(f)
		return &i
	default:
		return nil
	}
}

func normalizeStringList(value any) []string {
	switch v := value.(type) {
	case []string:
		var out []string
		for _, s := range v {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range v {
			if s := toText(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeText(value string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}

func normalizeModel(model string) string {
	normalized := normalizeText(model)
	normalized = strings.TrimPrefix(normalized, "bambu lab ")
	normalized = strings.TrimPrefix(normalized, "bambu ")
	normalized = normalizeText(normalized)
	if alias, ok := modelAliases[normalized]; ok {
		return alias
	}
	return normalized
}

func extractNozzle(value string) (float64, bool) {
	normalized := normalizeText(value)
	match := nozzlePattern.FindStringSubmatch(normalized)
	if match == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func stripNozzle(value string) string {
	normalized := normalizeText(value)
	return normalizeText(nozzlePattern.ReplaceAllString(normalized, ""))
}

func stripAlias(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}
	re := regexp.MustCompile(`(?i)\s*@bbl\b`)
	parts := re.Split(raw, 2)
	return strings.TrimSpace(parts[0])
}

func splitAlias(value string) (brand, material string) {
	cleaned := stripAlias(value)
	if cleaned == "" {
		return "", ""
	}
	parts := strings.Fields(cleaned)
	if len(parts) == 0 {
		return "", ""
	}
	brand = parts[0]
	material = strings.TrimSpace(strings.Join(parts[1:], " "))
	return brand, material
}

func matchesPrinter(compatible []string, printerModel string, nozzleDiameter *float64) bool {
	modelKey := normalizeModel(printerModel)
	if modelKey == "" {
		return false
	}
	for _, entry := range compatible {
		normalized := normalizeText(entry)
		if normalized == "" {
			continue
		}
		compatNozzle, hasNozzle := extractNozzle(normalized)
		compatModel := normalizeModel(stripNozzle(normalized))
		if compatModel != modelKey {
			continue
		}
		if nozzleDiameter == nil {
			return true
		}
		if !hasNozzle {
			continue
		}
		if diff := compatNozzle - *nozzleDiameter; diff > -0.01 && diff < 0.01 {
			return true
		}
	}
	return false
}

// ParseNozzleDiameter mirrors the original's tolerant float parser: accepts
// numeric types, rejects "" and "?", and falls back to scanning for the
// first embedded number.
func ParseNozzleDiameter(value string) (float64, bool) {
	text := strings.TrimSpace(value)
	if text == "" || text == "?" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f, true
	}
	match := regexp.MustCompile(`(\d+(?:\.\d+)?)`).FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetCatalog returns the catalog filtered to printerModel/nozzleDiameter,
// with custom entries merged in (and overriding bundled entries sharing a
// tray_info_idx), per the original's get_catalog.
func (c *Catalog) GetCatalog(printerModel string, nozzleDiameter *float64) []CatalogItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := map[string]CatalogItem{}
	for _, entry := range c.catalog {
		if !matchesPrinter(entry.compatiblePrinters, printerModel, nozzleDiameter) {
			continue
		}
		brand, material := splitAlias(entry.alias)
		item := CatalogItem{
			Alias:         stripAlias(entry.alias),
			Brand:         brand,
			Material:      material,
			SettingID:     entry.settingID,
			TrayInfoIdx:   entry.trayInfoIdx,
			TrayType:      entry.trayType,
			NozzleTempMin: entry.nozzleTempMin,
			NozzleTempMax: entry.nozzleTempMax,
		}
		if item.TrayInfoIdx != "" {
			merged[item.TrayInfoIdx] = item
		}
	}
	for _, entry := range c.custom {
		brand, material := splitAlias(entry.alias)
		merged[entry.trayInfoIdx] = CatalogItem{
			Alias:         entry.alias,
			Brand:         brand,
			Material:      material,
			SettingID:     entry.settingID,
			TrayInfoIdx:   entry.trayInfoIdx,
			TrayType:      entry.trayType,
			NozzleTempMin: entry.nozzleTempMin,
			NozzleTempMax: entry.nozzleTempMax,
			IsCustom:      true,
		}
	}

	out := make([]CatalogItem, 0, len(merged))
	for _, item := range merged {
		out = append(out, item)
	}
	return out
}

// ListCustomFilaments returns every saved custom filament definition.
func (c *Catalog) ListCustomFilaments() []CatalogItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CatalogItem, 0, len(c.custom))
	for _, entry := range c.custom {
		brand, material := splitAlias(entry.alias)
		out = append(out, CatalogItem{
			Alias:         entry.alias,
			Brand:         brand,
			Material:      material,
			SettingID:     entry.settingID,
			TrayInfoIdx:   entry.trayInfoIdx,
			TrayType:      entry.trayType,
			NozzleTempMin: entry.nozzleTempMin,
			NozzleTempMax: entry.nozzleTempMax,
			IsCustom:      true,
		})
	}
	return out
}

// AddCustomFilament validates and persists a new custom filament entry.
func (c *Catalog) AddCustomFilament(req CustomFilamentRequest) (CatalogItem, error) {
	trayType := normalizeStringList(req.TrayType)
	if req.TrayInfoIdx == "" || req.Alias == "" || len(trayType) == 0 {
		return CatalogItem{}, fmt.Errorf("alias, tray_info_idx, tray_type are required")
	}
	minTemp, maxTemp := req.NozzleTempMin, req.NozzleTempMax
	entry := catalogEntry{
		alias:         req.Alias,
		settingID:     req.SettingID,
		trayInfoIdx:   req.TrayInfoIdx,
		trayType:      trayType,
		nozzleTempMin: &minTemp,
		nozzleTempMax: &maxTemp,
	}

	c.mu.Lock()
	c.custom[entry.trayInfoIdx] = entry
	err := c.persistCustomLocked()
	c.mu.Unlock()
	if err != nil {
		return CatalogItem{}, err
	}

	brand, material := splitAlias(entry.alias)
	return CatalogItem{
		Alias:         entry.alias,
		Brand:         brand,
		Material:      material,
		SettingID:     entry.settingID,
		TrayInfoIdx:   entry.trayInfoIdx,
		TrayType:      entry.trayType,
		NozzleTempMin: entry.nozzleTempMin,
		NozzleTempMax: entry.nozzleTempMax,
		IsCustom:      true,
	}, nil
}

// DeleteCustomFilament removes a custom filament entry by tray_info_idx.
func (c *Catalog) DeleteCustomFilament(trayInfoIdx string) error {
	if trayInfoIdx == "" {
		return fmt.Errorf("tray_info_idx is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.custom[trayInfoIdx]; !ok {
		return errNotFound{trayInfoIdx}
	}
	delete(c.custom, trayInfoIdx)
	return c.persistCustomLocked()
}

type errNotFound struct{ trayInfoIdx string }

func (e errNotFound) Error() string { return fmt.Sprintf("custom filament %q not found", e.trayInfoIdx) }

// IsNotFound reports whether err was returned by DeleteCustomFilament for a
// missing tray_info_idx.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

func (c *Catalog) persistCustomLocked() error {
	type wire struct {
		Items []map[string]any `json:"items"`
	}
	items := make([]map[string]any, 0, len(c.custom))
	for _, entry := range c.custom {
		items = append(items, map[string]any{
			"alias":           entry.alias,
			"setting_id":      entry.settingID,
			"tray_info_idx":   entry.trayInfoIdx,
			"tray_type":       entry.trayType,
			"nozzle_temp_min": entry.nozzleTempMin,
			"nozzle_temp_max": entry.nozzleTempMax,
		})
	}
	data, err := json.MarshalIndent(wire{Items: items}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.customPath), 0o755); err != nil {
		return err
	}
	return atomicfile.WriteFile(c.customPath, bytes.NewReader(data))
}
