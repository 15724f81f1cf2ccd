package api

import (
	"net/http"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/printjob"
)

func (a *API) requirePrintJobs(w http.ResponseWriter) (*printjob.Service, bool) {
	jobs := a.reg.PrintJobs()
	if jobs == nil {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return nil, false
	}
	return jobs, true
}

func (a *API) handlePrepare(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	printerID := r.URL.Query().Get("printer_id")
	filename := r.URL.Query().Get("filename")
	if printerID == "" || filename == "" {
		var req struct {
			PrinterID string `json:"printer_id"`
			Filename  string `json:"filename"`
		}
		if err := a.decodeJSON(r, &req); err == nil {
			if printerID == "" {
				printerID = req.PrinterID
			}
			if filename == "" {
				filename = req.Filename
			}
		}
	}
	if printerID == "" || filename == "" {
		a.writeError(w, apperr.BadRequest("printer_id and filename are required"))
		return
	}
	jobs.Prepare(printerID, filename)
	a.writeJSON(w, 200, map[string]string{"status": "started"})
}

func (a *API) handlePrepareCancel(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	printerID := r.URL.Query().Get("printer_id")
	if printerID == "" {
		a.writeError(w, apperr.BadRequest("printer_id is required"))
		return
	}
	jobs.Cancel(printerID)
	a.writeJSON(w, 200, map[string]string{"status": "cancelled"})
}

func (a *API) handlePrintJobStatus(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	printerID := r.URL.Query().Get("printer_id")
	if printerID == "" {
		a.writeError(w, apperr.BadRequest("printer_id is required"))
		return
	}
	a.writeJSON(w, 200, jobs.JobStatus(printerID))
}

func (a *API) handleExecutePrint(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	var req struct {
		PrinterID string `json:"printer_id"`
		printjob.ExecuteParams
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	printerID := req.PrinterID
	if printerID == "" {
		if active, ok := a.reg.ActivePrinter(); ok {
			printerID = active.ID
		}
	}
	if err := jobs.ExecutePrint(printerID, req.ExecuteParams); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]string{"status": "sent"})
}

// handlePlatePreview serves preview PNGs. The endpoint is exempt from the
// API token (image tags can't send headers); when auth is enabled the
// signed token in the URL authorizes the exact resource instead.
func (a *API) handlePlatePreview(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	query := r.URL.Query()
	printerID := query.Get("printer_id")
	filename := query.Get("filename")
	relPath := query.Get("path")
	if printerID == "" || filename == "" || relPath == "" {
		a.writeError(w, apperr.BadRequest("printer_id, filename and path are required"))
		return
	}

	settings := a.reg.Store.Snapshot().AppSettings
	if settings.APIToken != "" && settings.AuthEnabled {
		if !a.reg.VerifyPreview(query.Get("token"), printerID, filename, relPath) {
			a.writeError(w, apperr.Unauthorized("Invalid preview token"))
			return
		}
	}

	previewPath, found := jobs.PlatePreviewPath(printerID, filename, relPath)
	if !found {
		a.writeError(w, apperr.NotFound("Preview not found"))
		return
	}
	http.ServeFile(w, r, previewPath)
}

func (a *API) handleSkipMetadata(w http.ResponseWriter, r *http.Request) {
	jobs, ok := a.requirePrintJobs(w)
	if !ok {
		return
	}
	printerID := r.URL.Query().Get("printer_id")
	filename := r.URL.Query().Get("filename")
	if printerID == "" || filename == "" {
		a.writeError(w, apperr.BadRequest("printer_id and filename are required"))
		return
	}
	result := jobs.CachedMetadataResult(printerID, filename)
	if result == nil {
		a.writeError(w, apperr.NotFound("Skip metadata unavailable"))
		return
	}
	if result.SkipObject != nil {
		a.reg.Orch.SetSkipObjectState(printerID, &model.SkipObjectState{
			Filename: result.Filename,
			Plates:   result.SkipObject.Plates,
		})
	}
	a.writeJSON(w, 200, result)
}
