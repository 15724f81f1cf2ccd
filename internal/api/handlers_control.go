package api

import (
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/control"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/mqttclient"
	"github.com/bambu-fleet/monitor/internal/printjob"
)

// requireActive resolves the active printer's MQTT session plus its
// current state; control commands only target the active printer.
func (a *API) requireActive(w http.ResponseWriter) (*mqttclient.Service, model.PrinterState, string, bool) {
	active, ok := a.reg.ActivePrinter()
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return nil, model.PrinterState{}, "", false
	}
	mqtt := a.reg.MQTT()
	if mqtt == nil {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return nil, model.PrinterState{}, "", false
	}
	return mqtt, a.reg.Repo.GetState(active.ID), active.ID, true
}

func (a *API) handlePushall(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	if err := mqtt.SendPushall(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 202, simpleMessage{Success: true, Message: "PushAll command sent"})
}

func (a *API) handlePrintCommand(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		Command string `json:"command"`
		Param   string `json:"param"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Command == "" {
		a.writeError(w, apperr.BadRequest("command is required"))
		return
	}
	if err := mqtt.SendPrintCommand(req.Command, req.Param); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Command sent"})
}

func (a *API) handleChamberLight(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	mode := strings.ToLower(req.Mode)
	if err := mqtt.SetChamberLight(mode); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Chamber light set to " + mode})
}

func (a *API) handleAmsFilament(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		Action     string `json:"action"`
		SlotID     int    `json:"slot_id"`
		AmsID      *int   `json:"ams_id"`
		SequenceID string `json:"sequence_id"`
		CurrTemp   *int   `json:"curr_temp"`
		TarTemp    *int   `json:"tar_temp"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Action != "load" && req.Action != "unload" {
		a.writeError(w, apperr.BadRequest("action must be 'load' or 'unload'"))
		return
	}
	payload := control.BuildAmsChangeFilament(control.AmsChangeFilamentRequest{
		AmsID:       req.AmsID,
		Action:      req.Action,
		SlotID:      req.SlotID,
		SequenceID:  req.SequenceID,
		CurrentTemp: req.CurrTemp,
		TargetTemp:  req.TarTemp,
	})
	if err := mqtt.Publish(payload); err != nil {
		a.writeError(w, err)
		return
	}
	label := "Unload"
	if req.Action == "load" {
		label = "Load"
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: label + " command sent"})
}

func (a *API) handleFeatureToggle(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		Key         string `json:"key"`
		Enabled     bool   `json:"enabled"`
		SequenceID  string `json:"sequence_id"`
		PeerEnabled bool   `json:"peer_enabled"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	payload, err := control.BuildFeatureToggle(req.Key, req.Enabled, req.SequenceID, req.PeerEnabled)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := mqtt.Publish(payload); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Feature toggle command sent"})
}

func (a *API) handleNozzleAccessory(w http.ResponseWriter, r *http.Request) {
	mqtt, _, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		NozzleType     string `json:"nozzle_type"`
		NozzleDiameter string `json:"nozzle_diameter"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.NozzleType == "" || req.NozzleDiameter == "" {
		a.writeError(w, apperr.BadRequest("nozzle_type and nozzle_diameter are required"))
		return
	}
	if err := mqtt.Publish(control.BuildNozzleAccessory(req.NozzleType, req.NozzleDiameter)); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Nozzle settings updated"})
}

func (a *API) handleAmsMaterial(w http.ResponseWriter, r *http.Request) {
	mqtt, state, _, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		AmsID         *int   `json:"ams_id"`
		SlotID        int    `json:"slot_id"`
		TrayID        int    `json:"tray_id"`
		TrayType      any    `json:"tray_type"`
		TrayColor     string `json:"tray_color"`
		TrayInfoIdx   string `json:"tray_info_idx"`
		SettingID     string `json:"setting_id"`
		NozzleTempMax int    `json:"nozzle_temp_max"`
		NozzleTempMin int    `json:"nozzle_temp_min"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	first, second, err := control.BuildAmsMaterialPayloads(control.AmsMaterialRequest{
		AmsID:         req.AmsID,
		SlotID:        req.SlotID,
		TrayID:        req.TrayID,
		TrayType:      req.TrayType,
		TrayColor:     req.TrayColor,
		TrayInfoIdx:   req.TrayInfoIdx,
		SettingID:     req.SettingID,
		NozzleTempMax: req.NozzleTempMax,
		NozzleTempMin: req.NozzleTempMin,
	}, state.Print.NozzleDiameter)
	if err != nil {
		a.writeError(w, err)
		return
	}

	// The printer expects the setting and the calibration selection in
	// this exact order.
	if err := mqtt.Publish(first); err != nil {
		a.writeError(w, err)
		return
	}
	if err := mqtt.Publish(second); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "AMS filament settings sent"})
}

var plateNamePattern = regexp.MustCompile(`(?i)plate[_-]?(\d+)`)

func (a *API) handleSkipObjects(w http.ResponseWriter, r *http.Request) {
	mqtt, state, printerID, ok := a.requireActive(w)
	if !ok {
		return
	}
	var req struct {
		ObjList    []int  `json:"obj_list"`
		SequenceID string `json:"sequence_id"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if len(req.ObjList) == 0 {
		a.writeError(w, apperr.BadRequest("obj_list must include at least one object id"))
		return
	}

	skipped := map[int]bool{}
	for _, id := range state.Print.SkippedObjects {
		skipped[id] = true
	}
	var newTargets []int
	for _, id := range req.ObjList {
		if !skipped[id] {
			newTargets = append(newTargets, id)
		}
	}
	if len(newTargets) == 0 {
		a.writeError(w, apperr.BadRequest("All selected objects are already skipped"))
		return
	}

	fileName := state.Print.File
	if fileName == "" {
		a.writeError(w, apperr.BadRequest("Active print file is unavailable"))
		return
	}
	fileName = path.Base(fileName)

	jobs := a.reg.PrintJobs()
	if jobs == nil || !jobs.HasCachedExtractForRemote(printerID, fileName) {
		a.writeError(w, apperr.BadRequest("Print cache missing or does not match the active file"))
		return
	}

	if metadata := jobs.CachedMetadataResult(printerID, fileName); metadata != nil {
		if plate := resolvePlate(metadata, state.Print.File); plate != nil {
			if err := validateSkipTargets(plate, skipped, len(newTargets)); err != nil {
				a.writeError(w, err)
				return
			}
		}
	}

	if err := mqtt.Publish(control.BuildSkipObjects(newTargets, req.SequenceID)); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Skip objects command sent"})
}

// resolvePlate picks the plate the active gcode file belongs to: by plate
// file name, then by plate_N number, then the default plate.
func resolvePlate(metadata *printjob.PrepareResult, gcodeFile string) *printjob.SlicePlate {
	if len(metadata.Plates) == 0 {
		return nil
	}
	fileName := strings.ToLower(path.Base(gcodeFile))
	if fileName != "" {
		for i, plateFile := range metadata.PlateFiles {
			if strings.ToLower(path.Base(plateFile)) == fileName && i < len(metadata.Plates) {
				return &metadata.Plates[i]
			}
		}
	}
	if m := plateNamePattern.FindStringSubmatch(fileName); m != nil {
		if plateIndex, err := strconv.Atoi(m[1]); err == nil {
			for i := range metadata.Plates {
				idx := i + 1
				if metadata.Plates[i].Index != nil {
					idx = *metadata.Plates[i].Index
				}
				if idx == plateIndex {
					return &metadata.Plates[i]
				}
			}
			if plateIndex-1 >= 0 && plateIndex-1 < len(metadata.Plates) {
				return &metadata.Plates[plateIndex-1]
			}
		}
	}
	if metadata.DefaultPlateIndex != nil && *metadata.DefaultPlateIndex < len(metadata.Plates) {
		return &metadata.Plates[*metadata.DefaultPlateIndex]
	}
	return &metadata.Plates[0]
}

// validateSkipTargets enforces the plate-size and remaining-object
// invariants before the command is accepted.
func validateSkipTargets(plate *printjob.SlicePlate, alreadySkipped map[int]bool, newCount int) error {
	if len(plate.Objects) == 0 {
		return apperr.BadRequest("Skip objects unavailable for this plate")
	}
	var objectIDs []int
	for _, obj := range plate.Objects {
		if obj.IdentifyID != nil {
			objectIDs = append(objectIDs, *obj.IdentifyID)
		}
	}
	total := len(objectIDs)
	if total <= 1 {
		return apperr.BadRequest("Skip objects requires at least two objects")
	}
	if total > 64 {
		return apperr.BadRequest("Skip objects limited to 64 objects per plate")
	}
	skippedCount := 0
	for _, id := range objectIDs {
		if alreadySkipped[id] {
			skippedCount++
		}
	}
	remaining := total - skippedCount
	if remaining <= 1 {
		return apperr.BadRequest("Only one object remains; skipping is disabled")
	}
	if remaining-newCount < 1 {
		return apperr.BadRequest("At least one object must remain after skipping")
	}
	return nil
}
