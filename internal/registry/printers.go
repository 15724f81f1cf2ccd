package registry

import (
	"fmt"
	"strings"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/config"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/mqttclient"
)

// CreatePrinterRequest is the onboarding/update payload.
type CreatePrinterRequest struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	PrinterIP         string `json:"printer_ip"`
	AccessCode        string `json:"access_code"`
	Serial            string `json:"serial"`
	ExternalCameraURL string `json:"external_camera_url,omitempty"`
	MakeDefault       bool   `json:"make_default"`
	SkipVerify        bool   `json:"skip_verify"`
}

func (r CreatePrinterRequest) validate() error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.PrinterIP) == "" ||
		strings.TrimSpace(r.AccessCode) == "" || strings.TrimSpace(r.Serial) == "" {
		return apperr.BadRequest("id, printer_ip, access_code and serial are required")
	}
	return nil
}

// StatusSummary is the condensed per-printer print state shown in the
// printer list.
type StatusSummary struct {
	GcodeState    string `json:"gcode_state,omitempty"`
	Layer         string `json:"layer,omitempty"`
	Percent       int    `json:"percent"`
	RemainingTime int    `json:"remaining_time"`
	FinishTime    string `json:"finish_time,omitempty"`
	File          string `json:"file,omitempty"`
	HmsError      string `json:"hms_error,omitempty"`
}

// PrinterListItem is one row of the configured-printer listing.
type PrinterListItem struct {
	model.PrinterDefinition
	IsActive      bool           `json:"is_active"`
	Online        bool           `json:"online"`
	IsDefault     bool           `json:"is_default"`
	StatusSummary *StatusSummary `json:"status_summary,omitempty"`
}

// probeFunc is swappable in tests; production uses the MQTT prober.
var probeFunc = mqttclient.Probe

// VerifyPrinter checks credentials against the live device without
// persisting anything.
func (r *Registry) VerifyPrinter(req CreatePrinterRequest) (*mqttclient.ProbeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	probe, err := probeFunc(req.PrinterIP, req.AccessCode, req.Serial)
	if err != nil {
		return nil, apperr.BadRequest(err.Error())
	}
	return probe, nil
}

// ListPrinters returns every configured printer with presence and a status
// summary, default printer first.
func (r *Registry) ListPrinters() []PrinterListItem {
	printers := r.Store.Printers()
	defaultID := r.Store.DefaultPrinterID()
	activeID := r.Repo.ActivePrinter()
	presence := r.Presence.States()

	items := make([]PrinterListItem, 0, len(printers))
	appendItem := func(printer model.PrinterDefinition) {
		online := false
		if printer.ID == activeID {
			online = r.Repo.GetState(printer.ID).PrinterOnline
		} else if state, ok := presence[printer.ID]; ok {
			online = state.Online
		}
		items = append(items, PrinterListItem{
			PrinterDefinition: printer,
			IsActive:          printer.ID == activeID,
			Online:            online,
			IsDefault:         printer.ID == defaultID,
			StatusSummary:     r.buildSummary(printer.ID),
		})
	}
	for _, printer := range printers {
		if printer.ID == defaultID {
			appendItem(printer)
		}
	}
	for _, printer := range printers {
		if printer.ID != defaultID {
			appendItem(printer)
		}
	}
	return items
}

func (r *Registry) buildSummary(printerID string) *StatusSummary {
	state := r.Repo.GetState(printerID)
	summary := &StatusSummary{
		Percent:       state.Print.Percent,
		RemainingTime: state.Print.RemainingTime,
		File:          state.Print.File,
	}
	if state.Print.GcodeState != model.GcodeUnknown {
		summary.GcodeState = string(state.Print.GcodeState)
	}
	if state.Print.Layer != "" && state.Print.Layer != "0/0" {
		summary.Layer = state.Print.Layer
	}
	if state.Print.FinishTime != "" && state.Print.FinishTime != "-" {
		summary.FinishTime = state.Print.FinishTime
	}
	if len(state.Print.HMSErrors) > 0 {
		first := state.Print.HMSErrors[0]
		parts := []string{}
		if first.HexCode != "" {
			parts = append(parts, first.HexCode)
		}
		if first.Description != "" {
			parts = append(parts, first.Description)
		}
		summary.HmsError = strings.Join(parts, " - ")
	}
	return summary
}

// RegisterPrinter probes the device, persists the definition, and starts a
// presence watcher. The first registered printer becomes active.
func (r *Registry) RegisterPrinter(req CreatePrinterRequest) (*mqttclient.ProbeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	probe, err := probeFunc(req.PrinterIP, req.AccessCode, req.Serial)
	if err != nil {
		return nil, apperr.BadRequest(err.Error())
	}

	definition := model.PrinterDefinition{
		ID:                req.ID,
		Name:              req.Name,
		PrinterIP:         req.PrinterIP,
		AccessCode:        req.AccessCode,
		Serial:            req.Serial,
		Model:             probe.ProductName,
		ExternalCameraURL: req.ExternalCameraURL,
	}

	err = r.Store.Mutate(func(file *config.AppFile) error {
		for _, existing := range file.Printers {
			if existing.ID == definition.ID {
				return apperr.Conflict(fmt.Sprintf("Printer with id %q already exists", definition.ID))
			}
			if existing.Serial == definition.Serial {
				return apperr.Conflict(fmt.Sprintf("Printer with serial %q already exists", definition.Serial))
			}
		}
		file.Printers = append(file.Printers, definition)
		if req.MakeDefault || file.Settings.DefaultPrinterID == "" {
			file.Settings.DefaultPrinterID = definition.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Presence.AddPrinter(definition)

	if _, active := r.ActivePrinter(); !active {
		if err := r.Activate(definition.ID, true); err != nil {
			return nil, apperr.Internal("Printer added but server configuration failed")
		}
	}
	return probe, nil
}

// UpdatePrinter replaces a definition. Credential changes force a
// re-probe; an unchanged identity may skip it.
func (r *Registry) UpdatePrinter(printerID string, req CreatePrinterRequest) (*mqttclient.ProbeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	existing, ok := r.findPrinter(printerID)
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID))
	}

	var probe *mqttclient.ProbeResult
	unchanged := req.PrinterIP == existing.PrinterIP && req.Serial == existing.Serial && req.AccessCode == existing.AccessCode
	if req.SkipVerify && unchanged {
		probe = &mqttclient.ProbeResult{ProductName: existing.Model}
	} else {
		var err error
		probe, err = probeFunc(req.PrinterIP, req.AccessCode, req.Serial)
		if err != nil {
			return nil, apperr.BadRequest(err.Error())
		}
	}

	definition := model.PrinterDefinition{
		ID:                req.ID,
		Name:              req.Name,
		PrinterIP:         req.PrinterIP,
		AccessCode:        req.AccessCode,
		Serial:            req.Serial,
		Model:             probe.ProductName,
		ExternalCameraURL: req.ExternalCameraURL,
	}

	err := r.Store.Mutate(func(file *config.AppFile) error {
		index := -1
		for i, printer := range file.Printers {
			if printer.ID == printerID {
				index = i
				continue
			}
			if printer.ID == definition.ID {
				return apperr.Conflict(fmt.Sprintf("Printer with id %q already exists", definition.ID))
			}
			if printer.Serial == definition.Serial {
				return apperr.Conflict(fmt.Sprintf("Printer with serial %q already exists", definition.Serial))
			}
		}
		if index < 0 {
			return apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID))
		}
		file.Printers[index] = definition
		if req.MakeDefault || file.Settings.DefaultPrinterID == printerID {
			file.Settings.DefaultPrinterID = definition.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Presence.RemovePrinter(printerID)
	r.Presence.AddPrinter(definition)

	if active, ok := r.ActivePrinter(); ok && active.ID == printerID {
		if err := r.Activate(definition.ID, true); err != nil {
			return nil, apperr.Internal("Printer updated but server configuration failed")
		}
	}
	return probe, nil
}

// DeletePrinter removes a definition; at least one must remain. Deleting
// the active printer fails over to the first remaining one.
func (r *Registry) DeletePrinter(printerID string) (*model.PrinterDefinition, error) {
	var newActive *model.PrinterDefinition

	err := r.Store.Mutate(func(file *config.AppFile) error {
		if len(file.Printers) <= 1 {
			return apperr.Conflict("At least one printer must remain configured")
		}
		index := -1
		for i, printer := range file.Printers {
			if printer.ID == printerID {
				index = i
				break
			}
		}
		if index < 0 {
			return apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID))
		}
		file.Printers = append(file.Printers[:index], file.Printers[index+1:]...)
		if file.Settings.DefaultPrinterID == printerID {
			file.Settings.DefaultPrinterID = file.Printers[0].ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Presence.RemovePrinter(printerID)
	r.Repo.Reset(printerID)

	if active, ok := r.ActivePrinter(); ok && active.ID == printerID {
		fallback := r.Store.Printers()[0]
		if err := r.Activate(fallback.ID, true); err != nil {
			return nil, apperr.Internal(err.Error())
		}
		newActive = &fallback
	}
	return newActive, nil
}

// SelectPrinter switches the active printer.
func (r *Registry) SelectPrinter(printerID string) error {
	return r.Activate(printerID, false)
}

// SetDefaultPrinter marks printerID as the boot-time default.
func (r *Registry) SetDefaultPrinter(printerID string) error {
	return r.Store.Mutate(func(file *config.AppFile) error {
		for i := range file.Printers {
			file.Printers[i].Default = file.Printers[i].ID == printerID
		}
		for _, printer := range file.Printers {
			if printer.ID == printerID {
				file.Settings.DefaultPrinterID = printerID
				return nil
			}
		}
		return apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID))
	})
}
