// Package hms decodes HMS and print-error codes into hex-grouped strings
// and resolves their human descriptions from the per-device JSON tables
// shipped under data/hms/data (§4.4 step 3, §6.3).
package hms

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// DefaultDeviceType is the fallback device table used when a device-specific
// table is missing. Confirmed against the original source's
// _get_tables_for_serial: unknown device codes fall back to "22E" rather
// than surfacing an "unknown device" error.
const DefaultDeviceType = "22E"

// IntToHexGroups renders an integer as dash-joined 4-char uppercase hex
// groups, left-padded to a multiple of 4 nibbles.
func IntToHexGroups(value int64) string {
	hexStr := strings.ToUpper(strconv.FormatInt(value, 16))
	padded := ((len(hexStr) + 3) / 4) * 4
	hexStr = strings.Repeat("0", padded-len(hexStr)) + hexStr

	groups := make([]string, 0, len(hexStr)/4)
	for i := 0; i < len(hexStr); i += 4 {
		groups = append(groups, hexStr[i:i+4])
	}
	return strings.Join(groups, "-")
}

// NormalizeCode strips HMS_/underscore/dash decoration and re-groups into
// dashed uppercase 4-char chunks for table lookup.
func NormalizeCode(code string) string {
	cleaned := strings.ToUpper(code)
	cleaned = strings.ReplaceAll(cleaned, "HMS_", "")
	cleaned = strings.ReplaceAll(cleaned, "_", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	var groups []string
	for i := 0; i < len(cleaned); i += 4 {
		end := i + 4
		if end > len(cleaned) {
			end = len(cleaned)
		}
		groups = append(groups, cleaned[i:end])
	}
	return strings.Join(groups, "-")
}

// DeviceTypeFromSerial returns the uppercased first 3 characters of a
// printer serial, the key used to select a device's HMS/error table.
func DeviceTypeFromSerial(serial string) string {
	serial = strings.TrimSpace(serial)
	if len(serial) < 3 {
		return ""
	}
	return strings.ToUpper(serial[:3])
}

type entry struct {
	Description string `json:"description"`
}

type deviceTables struct {
	hms map[string]entry
	err map[string]entry
}

type tableFile struct {
	Data *struct {
		DeviceHMS   *localeSection `json:"device_hms"`
		DeviceError *localeSection `json:"device_error"`
	} `json:"data"`
	DeviceHMS   *localeSection `json:"device_hms"`
	DeviceError *localeSection `json:"device_error"`
}

type localeSection struct {
	En []rawItem `json:"en"`
}

type rawItem struct {
	Ecode string `json:"ecode"`
	Intro string `json:"intro"`
}

// Tables loads and caches per-device HMS/error description tables from a
// data directory shaped like data/hms/data/hms_en_<DEVICE>.json.
type Tables struct {
	dataDir string
	mu      sync.Mutex
	cache   map[string]*deviceTables
}

func NewTables(dataDir string) *Tables {
	return &Tables{dataDir: dataDir, cache: map[string]*deviceTables{}}
}

func (t *Tables) load(deviceType string) *deviceTables {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dt, ok := t.cache[deviceType]; ok {
		return dt
	}

	dt := &deviceTables{hms: map[string]entry{}, err: map[string]entry{}}
	path := filepath.Join(t.dataDir, fmt.Sprintf("hms_en_%s.json", deviceType))
	raw, readErr := os.ReadFile(path)
	if readErr == nil {
		var tf tableFile
		if jsonErr := json.Unmarshal(raw, &tf); jsonErr == nil {
			section := tf.DeviceHMS
			if tf.Data != nil && tf.Data.DeviceHMS != nil {
				section = tf.Data.DeviceHMS
			}
			if section != nil {
				mapEntries(section.En, dt.hms)
			}
			errSection := tf.DeviceError
			if tf.Data != nil && tf.Data.DeviceError != nil {
				errSection = tf.Data.DeviceError
			}
			if errSection != nil {
				mapEntries(errSection.En, dt.err)
			}
		}
	}

	t.cache[deviceType] = dt
	return dt
}

func mapEntries(items []rawItem, into map[string]entry) {
	for _, item := range items {
		code := NormalizeCode(item.Ecode)
		if code == "" {
			continue
		}
		into[code] = entry{Description: item.Intro}
	}
}

func (t *Tables) tablesForSerial(serial string) *deviceTables {
	candidate := DeviceTypeFromSerial(serial)
	if candidate != "" {
		path := filepath.Join(t.dataDir, fmt.Sprintf("hms_en_%s.json", candidate))
		if _, err := os.Stat(path); err == nil {
			return t.load(candidate)
		}
	}
	return t.load(DefaultDeviceType)
}

// ResolveHMS returns the human description for a normalized HMS code, or ""
// if unknown.
func (t *Tables) ResolveHMS(code, serial string) string {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return ""
	}
	return t.tablesForSerial(serial).hms[normalized].Description
}

// ResolveError returns the human description for a normalized print-error
// code, or "" if unknown.
func (t *Tables) ResolveError(code, serial string) string {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return ""
	}
	return t.tablesForSerial(serial).err[normalized].Description
}
