// Package registry wires every service together and owns the active
// printer's connection stack: switching printers stops the old stack
// before the new one starts, while the shared state pipeline (repository,
// orchestrator, notifier, events, stream) persists across switches.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/assembler"
	"github.com/bambu-fleet/monitor/internal/cameraclient"
	"github.com/bambu-fleet/monitor/internal/config"
	"github.com/bambu-fleet/monitor/internal/connsup"
	"github.com/bambu-fleet/monitor/internal/events"
	"github.com/bambu-fleet/monitor/internal/filament"
	"github.com/bambu-fleet/monitor/internal/ftpsclient"
	"github.com/bambu-fleet/monitor/internal/hms"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/mqttclient"
	"github.com/bambu-fleet/monitor/internal/notifier"
	"github.com/bambu-fleet/monitor/internal/orchestrator"
	"github.com/bambu-fleet/monitor/internal/printjob"
	"github.com/bambu-fleet/monitor/internal/repository"
)

const supervisorInterval = 2 * time.Second

// Registry is the dependency container handed to the HTTP layer.
type Registry struct {
	Config config.Config
	Store  *config.Store

	Repo      *repository.Repository
	Notifier  *notifier.Notifier
	Stream    *notifier.StreamService
	Events    *events.Service
	Orch      *orchestrator.Orchestrator
	Filaments *filament.Catalog
	Payloads  *mqttclient.PayloadLog
	Presence  *connsup.Presence
	Tokens    *engine.TokenIssuer
	Sweeper   *printjob.Sweeper

	mu        sync.Mutex
	active    model.PrinterDefinition
	hasActive bool
	mqtt      *mqttclient.Service
	ftps      *ftpsclient.Service
	camera    *cameraclient.Service
	printJobs *printjob.Service
	connOrch  *connsup.Orchestrator
}

// New builds the full dependency graph. The active printer stack is built
// lazily by Activate.
func New(cfg config.Config, store *config.Store) *Registry {
	repo := repository.New()
	notif := notifier.New()
	tables := hms.NewTables(filepath.Join(cfg.DataDir, "hms", "data"))
	asm := assembler.New(tables)
	filaments := filament.NewCatalog(filepath.Join(cfg.DataDir, "filament"))
	orch := orchestrator.New(repo, notif, asm, filaments)

	stream := notifier.NewStreamService(repo.GetState)
	eventSvc := events.New()
	notif.Register(eventSvc.Hook)
	notif.Register(stream.Hook)

	payloads := mqttclient.NewPayloadLog()
	presence := connsup.NewPresence(orch, repo, payloads)
	presence.SetPrinters(store.Printers())

	r := &Registry{
		Config:    cfg,
		Store:     store,
		Repo:      repo,
		Notifier:  notif,
		Stream:    stream,
		Events:    eventSvc,
		Orch:      orch,
		Filaments: filaments,
		Payloads:  payloads,
		Presence:  presence,
		Tokens:    engine.NewTokenIssuer(filepath.Join(cfg.DataDir, "fleetd.key")),
		Sweeper:   printjob.NewSweeper(cfg.CacheDir),
	}

	if id := r.resolveInitialPrinter(); id != "" {
		if err := r.Activate(id, true); err != nil {
			slog.Warn("initial printer activation failed", "printer_id", id, "error", err)
		}
	} else {
		slog.Warn("no printers configured; running idle")
	}
	return r
}

func (r *Registry) resolveInitialPrinter() string {
	printers := r.Store.Printers()
	if len(printers) == 0 {
		return ""
	}
	if id := r.Store.DefaultPrinterID(); id != "" {
		for _, printer := range printers {
			if printer.ID == id {
				return id
			}
		}
	}
	return printers[0].ID
}

// AttachWorkers registers the registry's supervisor proc with the process
// manager.
func (r *Registry) AttachWorkers(pm *engine.ProcMgr) {
	pm.Add(func(ctx context.Context) error {
		err := engine.Poll(supervisorInterval, func(context.Context) bool {
			r.mu.Lock()
			connOrch := r.connOrch
			r.mu.Unlock()
			if connOrch != nil {
				connOrch.Tick()
			} else {
				r.Presence.Start()
			}
			return false
		})(ctx)
		r.Shutdown()
		return err
	})
}

// ActivePrinter returns the current active definition.
func (r *Registry) ActivePrinter() (model.PrinterDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.hasActive
}

// MQTT returns the active printer's MQTT service, or nil.
func (r *Registry) MQTT() *mqttclient.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mqtt
}

// FTPS returns the active printer's FTPS service, or nil.
func (r *Registry) FTPS() *ftpsclient.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ftps
}

// Camera returns the active printer's camera service, or nil.
func (r *Registry) Camera() *cameraclient.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.camera
}

// PrintJobs returns the active printer's print-job service, or nil.
func (r *Registry) PrintJobs() *printjob.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.printJobs
}

// Activate switches the active printer stack to printerID: the old stack
// stops before the new one starts, and the repository's active pointer
// flips in between so presence watchers hand over cleanly.
func (r *Registry) Activate(printerID string, force bool) error {
	definition, ok := r.findPrinter(printerID)
	if !ok {
		return apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasActive && r.active.ID == printerID && !force {
		slog.Info("printer already active, skipping reconfigure", "printer_id", printerID)
		return nil
	}

	slog.Info("switching active printer", "printer_id", printerID)
	r.stopActiveLocked()

	r.active = definition
	r.hasActive = true
	r.Repo.SetActivePrinter(definition.ID)

	r.mqtt = mqttclient.NewService(definition, r.Orch, r.Payloads, time.Duration(r.Config.PushallInterval*float64(time.Second)))
	r.ftps = ftpsclient.NewService(ftpsclient.Config{
		Host:       definition.PrinterIP,
		AccessCode: definition.AccessCode,
	}, func(status model.FtpsStatus) {
		r.Orch.SetFtpsStatus(definition.ID, status)
	})
	r.camera = cameraclient.NewService(definition, cameraclient.Config{
		CamInterval:     time.Duration(r.Config.CamInterval * float64(time.Second)),
		Go2RtcPath:      r.Config.Go2RtcPath,
		Go2RtcPort:      r.Config.Go2RtcPort,
		Go2RtcLogOutput: r.Config.Go2RtcLogOutput,
		DataDir:         r.Config.DataDir,
	}, r.Orch)
	r.printJobs = printjob.NewService(r.Config.CacheDir, r.ftps, r.mqtt, r.Orch, r.SignPreview)
	r.Orch.SetPrintJobService(r.printJobs)

	r.connOrch = connsup.New(r.mqtt, r.ftps, r.camera, r.Presence)
	return nil
}

func (r *Registry) stopActiveLocked() {
	if r.connOrch == nil {
		return
	}
	r.connOrch = nil
	if r.printJobs != nil {
		r.printJobs.Shutdown()
		r.printJobs = nil
	}
	if r.camera != nil {
		r.camera.Stop()
		r.camera = nil
	}
	if r.ftps != nil {
		r.ftps.Stop()
		r.ftps = nil
	}
	if r.mqtt != nil {
		r.mqtt.Stop()
		r.mqtt = nil
	}
	r.hasActive = false
}

// Shutdown stops every background service; called as the supervisor proc
// unwinds.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.stopActiveLocked()
	r.mu.Unlock()
	r.Presence.Stop()
	r.Stream.Shutdown()
	slog.Info("background services stopped")
}

func (r *Registry) findPrinter(printerID string) (model.PrinterDefinition, bool) {
	for _, printer := range r.Store.Printers() {
		if printer.ID == printerID {
			return printer, true
		}
	}
	return model.PrinterDefinition{}, false
}

// ---- preview capability URLs ----

const previewTokenTTL = 24 * time.Hour

func previewSubject(printerID, filename, relPath string) string {
	return printerID + "|" + filename + "|" + relPath
}

// SignPreview issues a token authorizing unauthenticated access to one
// plate preview image. Image tags can't carry an Authorization header, so
// preview URLs are capability URLs instead.
func (r *Registry) SignPreview(printerID, filename, relPath string) string {
	token, err := r.Tokens.Sign(&jwt.RegisteredClaims{
		Subject:   previewSubject(printerID, filename, relPath),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(previewTokenTTL)),
	})
	if err != nil {
		slog.Warn("preview token signing failed", "error", err)
		return ""
	}
	return token
}

// VerifyPreview checks a preview capability token against the requested
// resource.
func (r *Registry) VerifyPreview(token, printerID, filename, relPath string) bool {
	claims, err := r.Tokens.Verify(token)
	if err != nil {
		return false
	}
	return claims.Subject == previewSubject(printerID, filename, relPath)
}
