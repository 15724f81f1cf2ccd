// Package orchestrator implements the single-writer state orchestrator
// (§4.5): every mutation to a printer's state goes through here, which
// composes the repository's per-printer lock, the deep-merge rules, the
// assembler, and the notifier, grounded on
// original_source/app/services/state_orchestrator.py.
package orchestrator

import (
	"log/slog"
	"path"
	"time"

	"github.com/bambu-fleet/monitor/internal/assembler"
	"github.com/bambu-fleet/monitor/internal/merge"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/notifier"
	"github.com/bambu-fleet/monitor/internal/repository"
)

// FilamentIngestor captures candidate filament settings observed in MQTT
// payloads (§4.12). Wired to internal/filament.Catalog.
type FilamentIngestor interface {
	Ingest(printerID string, payload map[string]any)
}

// SkipObjectLookup resolves the cached skip-object metadata for a printer's
// currently loaded file (§4.8 step 9). Wired to internal/printjob.Service
// after construction, breaking the orchestrator<->printjob cycle the same
// way the original's set_print_job_service does (§9 "Cyclic references").
type SkipObjectLookup interface {
	CachedSkipObjectState(printerID, filename string) (*model.SkipObjectState, bool)
}

// Orchestrator is the system's single writer per printer (§4.5, invariant
// 2). All operations serialize on repository.Repository's per-store mutex.
type Orchestrator struct {
	repo      *repository.Repository
	notifier  *notifier.Notifier
	assembler *assembler.Assembler
	filament  FilamentIngestor
	printJobs SkipObjectLookup

	lastSkipFile map[string]string
}

func New(repo *repository.Repository, n *notifier.Notifier, asm *assembler.Assembler, filament FilamentIngestor) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		notifier:     n,
		assembler:    asm,
		filament:     filament,
		lastSkipFile: map[string]string{},
	}
}

// SetPrintJobService wires the print-job lookup after construction (the
// print-job service itself depends on the orchestrator, so this breaks the
// initialization cycle).
func (o *Orchestrator) SetPrintJobService(lookup SkipObjectLookup) { o.printJobs = lookup }

// UpdatePrintData deep-merges an inbound MQTT payload into the printer's
// master document, reassembles the typed snapshot, refreshes skip-object
// state, and notifies observers (§4.5).
func (o *Orchestrator) UpdatePrintData(printerID string, payload map[string]any) {
	if o.filament != nil {
		o.filament.Ingest(printerID, payload)
	}

	state, publish := o.repo.Update(printerID, func(master *map[string]any, state *model.PrinterState) bool {
		*master = merge.Deep(*master, payload)
		serial := serialFromMaster(*master)
		*state = o.assembler.Assemble(*master, serial, *state)
		o.maybeUpdateSkipObjectState(printerID, state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
}

func serialFromMaster(master map[string]any) string {
	if v, ok := master["serial"].(string); ok {
		return v
	}
	return ""
}

func (o *Orchestrator) maybeUpdateSkipObjectState(printerID string, state *model.PrinterState) {
	if o.printJobs == nil {
		return
	}
	filename := state.Print.File
	if filename == "" {
		state.Print.SkipObjectState = nil
		return
	}
	safeName := path.Base(filename)
	if o.lastSkipFile[printerID] == safeName && state.Print.SkipObjectState != nil {
		return
	}
	if skip, ok := o.printJobs.CachedSkipObjectState(printerID, safeName); ok {
		state.Print.SkipObjectState = skip
	} else {
		state.Print.SkipObjectState = nil
	}
	o.lastSkipFile[printerID] = safeName
}

// SetLastSentProjectFile records the most recently sent project_file
// command and re-derives print-again eligibility (§4.11).
func (o *Orchestrator) SetLastSentProjectFile(printerID string, record *model.LastSentProjectFile) {
	state, publish := o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		state.LastSentProjectFile = record
		state.Print.PrintAgain = assembler.EvaluatePrintAgain(state.Print, record, state.PrinterOnline)
		touch(state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
}

// SetSkipObjectState overwrites the skip-object metadata directly (used by
// the print-job prepare pipeline once it has computed fresh metadata).
func (o *Orchestrator) SetSkipObjectState(printerID string, record *model.SkipObjectState) {
	state, publish := o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		state.Print.SkipObjectState = record
		touch(state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
}

// UpdateCameraFrame stores the latest base64 JPEG without notifying
// observers — camera frames are high-frequency and polled via /api/camera
// directly rather than over the SSE diff stream (§4.5).
func (o *Orchestrator) UpdateCameraFrame(printerID, frame string) {
	o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		state.CameraFrame = frame
		touch(state)
		return false
	})
}

// SetPrinterOnline flips the printer's online flag; going offline resets
// AMS to an empty struct, since a disconnected printer can't report tray
// state (§4.5).
func (o *Orchestrator) SetPrinterOnline(printerID string, online bool) {
	state, publish := o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		state.PrinterOnline = online
		if !online {
			state.Ams = model.AmsStatus{}
		}
		state.Print.PrintAgain = assembler.EvaluatePrintAgain(state.Print, state.LastSentProjectFile, online)
		touch(state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
	if !online {
		slog.Info("printer marked offline", "printer_id", printerID)
	}
}

// SetFtpsStatus publishes only if the status actually changed (§4.5).
func (o *Orchestrator) SetFtpsStatus(printerID string, status model.FtpsStatus) {
	state, publish := o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		if state.FtpsStatus == status {
			return false
		}
		state.FtpsStatus = status
		touch(state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
}

// SetCameraStatus publishes only if the (status, reason) pair changed.
func (o *Orchestrator) SetCameraStatus(printerID string, status model.CameraStatus, reason string) {
	state, publish := o.repo.Update(printerID, func(_ *map[string]any, state *model.PrinterState) bool {
		if state.CameraStatus == status && state.CameraStatusReason == reason {
			return false
		}
		state.CameraStatus = status
		state.CameraStatusReason = reason
		touch(state)
		return true
	})
	if publish {
		o.notifier.Notify(printerID, state)
	}
}

func touch(state *model.PrinterState) {
	state.UpdatedAt = time.Now().Format("15:04:05")
}
