package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/filament"
)

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	printerID := r.URL.Query().Get("printer_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			a.writeError(w, apperr.BadRequest("limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}
	events := a.reg.Events.List(printerID, limit)
	resp := map[string]any{"events": events}
	if len(events) > 0 {
		resp["latest_event_id"] = events[0].ID
	}
	a.writeJSON(w, 200, resp)
}

func (a *API) handleClearEvents(w http.ResponseWriter, r *http.Request) {
	printerID := r.URL.Query().Get("printer_id")
	a.reg.Events.Clear(printerID)
	target := "all printers"
	if printerID != "" {
		target = "printer " + printerID
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Events cleared for " + target})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, map[string]any{"metrics": a.metrics.Snapshot()})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	printerID, _ := a.resolvePrinterID(r)
	state := a.reg.Repo.GetState(printerID)

	ftpsStatus := "disconnected"
	if ftps := a.reg.FTPS(); ftps != nil {
		if status, ok := ftps.CheckConnection()["status"].(string); ok {
			ftpsStatus = status
		}
	}

	status := "degraded"
	if state.PrinterOnline {
		status = "healthy"
	}
	a.writeJSON(w, 200, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"printer_online": state.PrinterOnline,
		"ftps_status":    ftpsStatus,
	})
}

func (a *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !a.reg.Store.Snapshot().AppSettings.DebugEnabled {
		a.writeError(w, apperr.NotFound("Debug endpoints disabled"))
		return
	}
	printerID, ok := a.resolvePrinterID(r)
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}

	master := a.reg.Repo.GetMaster(printerID)
	history := a.reg.Payloads.Snapshot(printerID)
	state := a.reg.Repo.GetState(printerID)

	a.writeJSON(w, 200, map[string]any{
		"master_json":     master,
		"message_history": history,
		"state": map[string]any{
			"printer_online": state.PrinterOnline,
			"updated_at":     state.UpdatedAt,
			"print":          state.Print,
			"ams":            state.Ams,
		},
		"stats": map[string]any{
			"total_messages":    len(history),
			"master_keys_count": len(master),
			"last_update":       time.Now().Format("15:04:05"),
		},
	})
}

// ---- filaments ----

func (a *API) filamentContext(r *http.Request) (printerID, printerModel string, nozzle *float64) {
	printerID, _ = a.resolvePrinterID(r)
	state := a.reg.Repo.GetState(printerID)
	printerModel = state.Capabilities.Model
	if printerModel == "" {
		if active, ok := a.reg.ActivePrinter(); ok {
			printerModel = active.Model
		}
	}
	if value, ok := filament.ParseNozzleDiameter(state.Print.NozzleDiameter); ok {
		nozzle = &value
	}
	return printerID, printerModel, nozzle
}

func (a *API) handleFilamentCatalog(w http.ResponseWriter, r *http.Request) {
	_, printerModel, nozzle := a.filamentContext(r)
	a.writeJSON(w, 200, a.reg.Filaments.GetCatalog(printerModel, nozzle))
}

func (a *API) handleFilamentCandidates(w http.ResponseWriter, r *http.Request) {
	printerID, printerModel, nozzle := a.filamentContext(r)
	if printerID == "" {
		a.writeJSON(w, 200, []any{})
		return
	}
	catalog := a.reg.Filaments.GetCatalog(printerModel, nozzle)
	state := a.reg.Repo.GetState(printerID)
	a.writeJSON(w, 200, a.reg.Filaments.ListCandidates(printerID, state, catalog))
}

func (a *API) handleListCustomFilaments(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, a.reg.Filaments.ListCustomFilaments())
}

func (a *API) handleSaveCustomFilament(w http.ResponseWriter, r *http.Request) {
	var req filament.CustomFilamentRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	item, err := a.reg.Filaments.AddCustomFilament(req)
	if err != nil {
		a.writeError(w, apperr.BadRequest(err.Error()))
		return
	}
	a.writeJSON(w, 200, item)
}

func (a *API) handleDeleteCustomFilament(w http.ResponseWriter, r *http.Request) {
	trayInfoIdx := r.PathValue("tray_info_idx")
	if err := a.reg.Filaments.DeleteCustomFilament(trayInfoIdx); err != nil {
		if filament.IsNotFound(err) {
			a.writeError(w, apperr.NotFound(fmt.Sprintf("Custom filament %q not found", trayInfoIdx)))
			return
		}
		a.writeError(w, apperr.BadRequest(err.Error()))
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Custom filament deleted"})
}
