package api

import (
	"net/http"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/notifier"
	"github.com/bambu-fleet/monitor/internal/registry"
)

type statusResponse struct {
	model.PrinterState
	Go2RtcRunning *bool          `json:"go2rtc_running,omitempty"`
	ServerInfo    map[string]any `json:"server_info"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	printerID, ok := a.resolvePrinterID(r)
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	state := a.reg.Repo.GetState(printerID)

	resp := statusResponse{PrinterState: state, ServerInfo: notifier.ServerInfo()}
	if camera := a.reg.Camera(); camera != nil {
		running := camera.RelayRunning()
		resp.Go2RtcRunning = &running
	}
	a.writeJSON(w, 200, resp)
}

func (a *API) handleCurrentPrinter(w http.ResponseWriter, r *http.Request) {
	active, ok := a.reg.ActivePrinter()
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	a.writeJSON(w, 200, active)
}

func (a *API) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, a.reg.ListPrinters())
}

func (a *API) handleVerifyPrinter(w http.ResponseWriter, r *http.Request) {
	var req registry.CreatePrinterRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	probe, err := a.reg.VerifyPrinter(req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, probe)
}

func (a *API) handleRegisterPrinter(w http.ResponseWriter, r *http.Request) {
	var req registry.CreatePrinterRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	probe, err := a.reg.RegisterPrinter(req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 201, probe)
}

func (a *API) handleUpdatePrinter(w http.ResponseWriter, r *http.Request) {
	var req registry.CreatePrinterRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	probe, err := a.reg.UpdatePrinter(r.PathValue("printer_id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, probe)
}

func (a *API) handleDeletePrinter(w http.ResponseWriter, r *http.Request) {
	newActive, err := a.reg.DeletePrinter(r.PathValue("printer_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	resp := map[string]any{"success": true}
	if newActive != nil {
		resp["new_active_printer"] = newActive
	}
	a.writeJSON(w, 200, resp)
}

func (a *API) handleSelectPrinter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrinterID string `json:"printer_id"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.reg.SelectPrinter(req.PrinterID); err != nil {
		a.writeError(w, err)
		return
	}
	active, _ := a.reg.ActivePrinter()
	a.writeJSON(w, 200, active)
}

func (a *API) handleSetDefaultPrinter(w http.ResponseWriter, r *http.Request) {
	printerID := r.PathValue("printer_id")
	if err := a.reg.SetDefaultPrinter(printerID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]any{"success": true, "default_printer_id": printerID})
}

func (a *API) handleStateStream(w http.ResponseWriter, r *http.Request) {
	printerID, ok := a.resolvePrinterID(r)
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	a.reg.Stream.ServeSSE(w, r, printerID)
}
