// Package model defines the typed snapshot of a printer's state (§3 of the
// specification): PrinterState and everything it's assembled from.
package model

import "time"

// GcodeState is the canonical print state enum (§3.1).
type GcodeState string

const (
	GcodeIdle     GcodeState = "IDLE"
	GcodePrepare  GcodeState = "PREPARE"
	GcodeSlicing  GcodeState = "SLICING"
	GcodeRunning  GcodeState = "RUNNING"
	GcodePause    GcodeState = "PAUSE"
	GcodeFinish   GcodeState = "FINISH"
	GcodeFailed   GcodeState = "FAILED"
	GcodeInit     GcodeState = "INIT"
	GcodeUnknown  GcodeState = "UNKNOWN"
)

// gcodeAliases maps raw wire values to the canonical enum. Built from the
// original source's alias table; normalize_gcode_state must be idempotent
// on every canonical value, which this table preserves (each canonical
// value aliases to itself).
var gcodeAliases = map[string]GcodeState{
	"IDLE":     GcodeIdle,
	"PREPARE":  GcodePrepare,
	"SLICING":  GcodeSlicing,
	"RUNNING":  GcodeRunning,
	"PRINTING": GcodeRunning,
	"PAUSE":    GcodePause,
	"PAUSED":   GcodePause,
	"FINISH":   GcodeFinish,
	"FINISHED": GcodeFinish,
	"FAILED":   GcodeFailed,
	"FAILURE":  GcodeFailed,
	"INIT":     GcodeInit,
	"UNKNOWN":  GcodeUnknown,
	"":         GcodeUnknown,
}

// NormalizeGcodeState maps any documented alias (or the canonical value
// itself) to the canonical GcodeState; unrecognized values map to UNKNOWN.
func NormalizeGcodeState(raw string) GcodeState {
	if v, ok := gcodeAliases[raw]; ok {
		return v
	}
	return GcodeUnknown
}

// SdCardState mirrors the printer's reported SD-card presence/health.
type SdCardState string

const (
	SdCardNone     SdCardState = "NO"
	SdCardNormal   SdCardState = "NORMAL"
	SdCardAbnormal SdCardState = "ABNORMAL"
	SdCardReadOnly SdCardState = "READONLY"
)

// AmsStatusMain/AmsSubStatus decode the high/low byte of the 16-bit AMS
// status word (§3.1, §4.4 step 4).
type AmsStatusMain string

const (
	AmsMainIdle       AmsStatusMain = "IDLE"
	AmsMainFilaChange AmsStatusMain = "FILAMENT_CHANGE"
	AmsMainRfidIdent  AmsStatusMain = "RFID_IDENTIFYING"
	AmsMainAssist     AmsStatusMain = "ASSIST"
	AmsMainCalibrate  AmsStatusMain = "CALIBRATION"
	AmsMainSelfCheck  AmsStatusMain = "SELF_CHECK"
	AmsMainDebug      AmsStatusMain = "DEBUG"
	AmsMainUnknown    AmsStatusMain = "UNKNOWN"
)

type AmsSubStatus string

const (
	AmsSubIdle          AmsSubStatus = "IDLE"
	AmsSubHeatNozzle    AmsSubStatus = "HEAT_NOZZLE"
	AmsSubCutFilament   AmsSubStatus = "CUT_FILAMENT"
	AmsSubPullFilament  AmsSubStatus = "PULL_OUT_OLD_FILAMENT"
	AmsSubPushFilament  AmsSubStatus = "PUSH_NEW_FILAMENT"
	AmsSubPurgeOldFila  AmsSubStatus = "PURGE_OLD_FILAMENT"
	AmsSubFeedFilament  AmsSubStatus = "FEED_FILAMENT_TO_EXTRUDER"
	AmsSubConfirmExtrud AmsSubStatus = "CONFIRM_EXTRUDED"
	AmsSubCheckPosition AmsSubStatus = "CHECK_FILAMENT_POSITION"
	AmsSubUnknown       AmsSubStatus = "UNKNOWN"
)

var amsMainByByte = map[int]AmsStatusMain{
	0x00: AmsMainIdle,
	0x01: AmsMainFilaChange,
	0x02: AmsMainRfidIdent,
	0x03: AmsMainAssist,
	0x04: AmsMainCalibrate,
	0x10: AmsMainSelfCheck,
	0x20: AmsMainDebug,
}

var amsSubByByte = map[int]AmsSubStatus{
	0x00: AmsSubIdle,
	0x01: AmsSubHeatNozzle,
	0x02: AmsSubCutFilament,
	0x03: AmsSubPullFilament,
	0x04: AmsSubPushFilament,
	0x05: AmsSubPurgeOldFila,
	0x06: AmsSubFeedFilament,
	0x07: AmsSubConfirmExtrud,
	0x08: AmsSubCheckPosition,
}

// ResolveAmsStatus decodes the 16-bit status word into (main, sub).
func ResolveAmsStatus(raw int) (AmsStatusMain, AmsSubStatus) {
	main, ok := amsMainByByte[(raw&0xFF00)>>8]
	if !ok {
		main = AmsMainUnknown
	}
	sub, ok := amsSubByByte[raw&0xFF]
	if !ok {
		sub = AmsSubUnknown
	}
	return main, sub
}

// CameraStatus is the camera service's externally visible state machine
// (§4.14).
type CameraStatus string

const (
	CameraStopped       CameraStatus = "stopped"
	CameraConnecting    CameraStatus = "connecting"
	CameraStreaming     CameraStatus = "streaming"
	CameraStallWarning  CameraStatus = "stall_warning"
	CameraReconnecting  CameraStatus = "reconnecting"
	CameraPaused        CameraStatus = "paused"
)

// FtpsStatus is the FTPS service's externally visible state machine.
type FtpsStatus string

const (
	FtpsConnected    FtpsStatus = "connected"
	FtpsReconnecting FtpsStatus = "reconnecting"
	FtpsDisconnected FtpsStatus = "disconnected"
)

// HMSError/PrintError are decoded error descriptors (§4.4 step 3).
type HMSError struct {
	Attr        int64  `json:"attr"`
	Code        int64  `json:"code"`
	HexCode     string `json:"hex_code"`
	Description string `json:"description"`
}

type PrintError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	SubCode     string `json:"sub_code,omitempty"`
}

// AmsTray is one of the (up to) four trays in an AMS unit.
type AmsTray struct {
	ID             int     `json:"id"`
	TrayType       string  `json:"tray_type"`
	TrayColor      string  `json:"tray_color"`
	TraySubBrands  string  `json:"tray_sub_brands,omitempty"`
	Remain         int     `json:"remain"`
	NozzleTempMin  int     `json:"nozzle_temp_min"`
	NozzleTempMax  int     `json:"nozzle_temp_max"`
	TrayUUID       string  `json:"tray_uuid,omitempty"`
	TrayInfoIdx    string  `json:"tray_info_idx,omitempty"`
	K              float64 `json:"k,omitempty"`
	Exists         bool    `json:"exists"`
}

// AmsUnitCapabilities describes which optional fields a given AMS unit model
// supports, per the capability registry (§4.4 step 6).
type AmsUnitCapabilities struct {
	ProductName string          `json:"product_name"`
	Fields      map[string]bool `json:"fields"`
}

type AmsUnit struct {
	ID               int                 `json:"id"`
	AmsID            int                 `json:"ams_id"`
	Humidity         int                 `json:"humidity"`
	Temp             float64             `json:"temp"`
	Firmware         string              `json:"firmware,omitempty"`
	SwVer            string              `json:"sw_ver,omitempty"`
	ProductName      string              `json:"product_name,omitempty"`
	Trays            []AmsTray           `json:"trays"`
	Capabilities     AmsUnitCapabilities `json:"capabilities"`
}

type ExternalSpool struct {
	ID            int    `json:"id"`
	TrayType      string `json:"tray_type"`
	TrayColor     string `json:"tray_color"`
	Remain        int    `json:"remain"`
	NozzleTempMin int    `json:"nozzle_temp_min"`
	NozzleTempMax int    `json:"nozzle_temp_max"`
	TrayInfoIdx   string `json:"tray_info_idx,omitempty"`
}

type AmsStatus struct {
	HubConnected      string        `json:"hub_connected"`
	Main              AmsStatusMain `json:"main"`
	Sub               AmsSubStatus  `json:"sub"`
	TotalAms          int           `json:"total_ams"`
	AmsUnits          []AmsUnit     `json:"ams_units"`
	ExternalSpool     *ExternalSpool `json:"external_spool,omitempty"`
	TrayExistBits     string        `json:"tray_exist_bits"`
	TrayIsBBLBits     string        `json:"tray_is_bbl_bits"`
	TrayReadDoneBits  string        `json:"tray_read_done_bits"`
	TrayReadingBits   string        `json:"tray_reading_bits"`
	TrayExistSlots    []bool        `json:"tray_exist_slots"`
	ActiveTrayIndex   *int          `json:"active_tray_index,omitempty"`
}

// PrinterCapabilities carries per-model field-visibility overrides (§4.4
// step 6). Fields maps a dotted path (e.g. "print.chamber_temp") to whether
// the UI should show it.
type PrinterCapabilities struct {
	Model  string          `json:"model,omitempty"`
	Fields map[string]bool `json:"fields"`
}

// LastSentProjectFile snapshots the most recent project_file command (§3.1).
type LastSentProjectFile struct {
	Command          string         `json:"command"`
	URL              string         `json:"url,omitempty"`
	File             string         `json:"file,omitempty"`
	Plate            string         `json:"plate,omitempty"`
	UseAms           bool           `json:"use_ams"`
	BedLeveling      bool           `json:"bed_leveling"`
	FlowCali         bool           `json:"flow_cali"`
	Timelapse        bool           `json:"timelapse"`
	LayerInspect     bool           `json:"layer_inspect"`
	VibrationCali    bool           `json:"vibration_cali"`
	AmsMapping       []int          `json:"ams_mapping,omitempty"`
	SentAt           time.Time      `json:"sent_at"`
}

type PrintAgainPayload struct {
	Command       string `json:"command,omitempty"`
	URL           string `json:"url,omitempty"`
	File          string `json:"file,omitempty"`
	Plate         string `json:"plate,omitempty"`
	UseAms        bool   `json:"use_ams,omitempty"`
	BedLeveling   bool   `json:"bed_leveling,omitempty"`
	FlowCali      bool   `json:"flow_cali,omitempty"`
	Timelapse     bool   `json:"timelapse,omitempty"`
	LayerInspect  bool   `json:"layer_inspect,omitempty"`
	VibrationCali bool   `json:"vibration_cali,omitempty"`
}

// PrintAgainState is the derived "print again" affordance (§4.11).
type PrintAgainState struct {
	Visible bool               `json:"visible"`
	Enabled bool                `json:"enabled"`
	Reason  string              `json:"reason,omitempty"`
	Payload *PrintAgainPayload  `json:"payload,omitempty"`
}

// SkipObjectPlate describes one plate's skip-object feasibility (§4.8 step
// 9).
type SkipObjectPlate struct {
	Index     int    `json:"index"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	PickPath  string `json:"pick_path,omitempty"`
	PickURL   string `json:"pick_url,omitempty"`
}

type SkipObjectState struct {
	Filename string            `json:"filename"`
	Plates   []SkipObjectPlate `json:"plates"`
}

// PrintStatus is the typed print-section projection (§3.1).
type PrintStatus struct {
	NozzleTemp       float64          `json:"nozzle_temp"`
	NozzleTargetTemp float64          `json:"nozzle_target_temp"`
	BedTemp          float64          `json:"bed_temp"`
	BedTargetTemp    float64          `json:"bed_target_temp"`
	ChamberTemp      float64          `json:"chamber_temp"`
	Stage            int              `json:"stage"`
	StageLabel       string           `json:"stage_label"`
	StageHistory     []int            `json:"stage_history"`
	StageLabels      []string         `json:"stage_labels"`
	Percent          int              `json:"percent"`
	RemainingTime    int              `json:"remaining_time"`
	FinishTime       string           `json:"finish_time"`
	Layer            string           `json:"layer"`
	GcodeState       GcodeState       `json:"gcode_state"`
	File             string           `json:"file"`
	NozzleType       string           `json:"nozzle_type,omitempty"`
	NozzleDiameter   string           `json:"nozzle_diameter,omitempty"`
	WifiSignal       string           `json:"wifi_signal,omitempty"`
	CoolingFanSpeed  int              `json:"cooling_fan_speed"`
	BigFan1Speed     int              `json:"big_fan1_speed"`
	BigFan2Speed     int              `json:"big_fan2_speed"`
	PrintError       *PrintError      `json:"print_error,omitempty"`
	HMSErrors        []HMSError       `json:"hms_errors,omitempty"`
	ChamberLight     string           `json:"chamber_light"`
	TimelapseEnabled bool             `json:"timelapse_enabled"`
	SdCardPresent    bool             `json:"sdcard_present"`
	SdCardState      SdCardState      `json:"sdcard_state"`
	Firmware         string           `json:"firmware,omitempty"`
	FeatureToggles   map[string]bool  `json:"feature_toggles"`
	SkippedObjects   []int            `json:"skipped_objects"`
	SkipObjectState  *SkipObjectState `json:"skip_object_state,omitempty"`
	PrintAgain       PrintAgainState  `json:"print_again"`
}

// PrinterState is the full typed snapshot (§3.1).
type PrinterState struct {
	Print               PrintStatus          `json:"print"`
	Ams                 AmsStatus            `json:"ams"`
	CameraFrame         string               `json:"camera_frame,omitempty"`
	UpdatedAt           string               `json:"updated_at"`
	PrinterOnline       bool                 `json:"printer_online"`
	FtpsStatus          FtpsStatus           `json:"ftps_status"`
	Capabilities        PrinterCapabilities  `json:"capabilities"`
	CameraStatus        CameraStatus         `json:"camera_status"`
	CameraStatusReason  string               `json:"camera_status_reason,omitempty"`
	LastSentProjectFile *LastSentProjectFile `json:"last_sent_project_file,omitempty"`
}

// Clone deep-copies a PrinterState so readers never observe a mutation made
// by the single writer (invariant 2, §3.2).
func (s PrinterState) Clone() PrinterState {
	out := s
	out.Print.StageHistory = append([]int(nil), s.Print.StageHistory...)
	out.Print.StageLabels = append([]string(nil), s.Print.StageLabels...)
	out.Print.SkippedObjects = append([]int(nil), s.Print.SkippedObjects...)
	if s.Print.HMSErrors != nil {
		out.Print.HMSErrors = append([]HMSError(nil), s.Print.HMSErrors...)
	}
	if s.Print.PrintError != nil {
		pe := *s.Print.PrintError
		out.Print.PrintError = &pe
	}
	if s.Print.SkipObjectState != nil {
		sk := *s.Print.SkipObjectState
		sk.Plates = append([]SkipObjectPlate(nil), s.Print.SkipObjectState.Plates...)
		out.Print.SkipObjectState = &sk
	}
	if s.Print.PrintAgain.Payload != nil {
		p := *s.Print.PrintAgain.Payload
		out.Print.PrintAgain.Payload = &p
	}
	out.Print.FeatureToggles = cloneBoolMap(s.Print.FeatureToggles)
	out.Ams.AmsUnits = append([]AmsUnit(nil), s.Ams.AmsUnits...)
	for i := range out.Ams.AmsUnits {
		out.Ams.AmsUnits[i].Trays = append([]AmsTray(nil), out.Ams.AmsUnits[i].Trays...)
		out.Ams.AmsUnits[i].Capabilities.Fields = cloneBoolMap(out.Ams.AmsUnits[i].Capabilities.Fields)
	}
	if s.Ams.ExternalSpool != nil {
		es := *s.Ams.ExternalSpool
		out.Ams.ExternalSpool = &es
	}
	out.Ams.TrayExistSlots = append([]bool(nil), s.Ams.TrayExistSlots...)
	out.Capabilities.Fields = cloneBoolMap(s.Capabilities.Fields)
	if s.LastSentProjectFile != nil {
		lsp := *s.LastSentProjectFile
		lsp.AmsMapping = append([]int(nil), s.LastSentProjectFile.AmsMapping...)
		out.LastSentProjectFile = &lsp
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Default returns the zero-value PrinterState used when a printer id is
// unknown to the repository.
func Default() PrinterState {
	return PrinterState{
		FtpsStatus:   FtpsDisconnected,
		CameraStatus: CameraStopped,
		Print: PrintStatus{
			GcodeState:     GcodeUnknown,
			Layer:          "0/0",
			FeatureToggles: map[string]bool{},
			ChamberLight:   "off",
		},
		Capabilities: PrinterCapabilities{Fields: map[string]bool{}},
	}
}

// PrinterEvent is a discrete derived event (§3.1, §4.7).
type PrinterEvent struct {
	ID            string     `json:"id"`
	PrinterID     string     `json:"printer_id"`
	GcodeState    GcodeState `json:"gcode_state"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	Percent       int        `json:"percent"`
	Layer         string     `json:"layer"`
	RemainingTime int        `json:"remaining_time"`
	FinishTime    string     `json:"finish_time"`
	SpeedLevel    int        `json:"speed_level"`
	File          string     `json:"file"`
}

// PrinterDefinition is the admin-managed printer identity (§3.1).
type PrinterDefinition struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	PrinterIP        string `json:"printer_ip"`
	AccessCode       string `json:"access_code"`
	Serial           string `json:"serial"`
	Model            string `json:"model,omitempty"`
	ExternalCameraURL string `json:"external_camera_url,omitempty"`
	Default          bool   `json:"default"`
}
