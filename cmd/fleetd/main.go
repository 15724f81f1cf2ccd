// Fleetd is the monitor and control plane for a fleet of Bambu Lab
// printers. It keeps a live state snapshot per printer fed by MQTT
// telemetry, supervises the FTPS and camera sessions for the active
// printer, and serves the JSON/SSE API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/api"
	"github.com/bambu-fleet/monitor/internal/config"
	"github.com/bambu-fleet/monitor/internal/registry"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		panic(err)
	}
	configureLogging(conf.LogLevel)

	for _, dir := range []string{conf.DataDir, conf.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(err)
		}
	}

	store, err := config.Open(conf.AppJSONPath)
	if err != nil {
		panic(err)
	}

	app := newApp(conf, store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.Run(ctx)
}

func newApp(conf config.Config, store *config.Store) *engine.App {
	router := engine.NewRouter(notFoundHandler())
	a := engine.NewApp(conf.HttpAddr, router)

	reg := registry.New(conf, store)
	a.Add(reg)
	a.Add(api.New(reg))

	slog.Info("fleetd configured", "addr", conf.HttpAddr, "printers", len(store.Printers()))
	return a
}

func notFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.WriteJSONError(w, 404, "not_found", "Resource not found")
	})
}

func configureLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
