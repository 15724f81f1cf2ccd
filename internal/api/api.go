// Package api exposes the HTTP surface: status and SSE stream, camera
// access, control commands, file operations, print-job pipeline, events,
// filaments, metrics, health, and the admin/auth endpoints.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/registry"
)

const sessionCookie = "fleetd_session"

type sessionPayload struct {
	AdminLoggedIn bool `json:"admin"`
}

// API wires the registry's services to HTTP handlers.
type API struct {
	reg          *registry.Registry
	sessions     engine.ValueSigner[sessionPayload]
	adminLimiter *engine.KeyedLimiter
	metrics      *Metrics
}

func New(reg *registry.Registry) *API {
	return &API{
		reg:          reg,
		adminLimiter: engine.NewKeyedLimiter(time.Minute, 5),
		metrics:      NewMetrics(200),
	}
}

// authClass determines which guard protects a route.
type authClass int

const (
	authPublic  authClass = iota // no auth at all
	authToken                    // API token (when enabled)
	authAdmin                    // admin token + allowlist + rate limit
	authSession                  // admin browser session cookie
	authDebug                    // API token OR admin session
)

func (a *API) handle(router *engine.Router, pattern string, class authClass, fn http.HandlerFunc) {
	path := pattern
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		path = pattern[idx+1:]
	}
	router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: 200}

		switch class {
		case authPublic:
		case authToken:
			if err := a.checkAPIToken(r); err != nil {
				a.writeError(ww, err)
				a.record(path, start, ww.status)
				return
			}
		case authAdmin:
			if _, err := a.enforceAdmin(r); err != nil {
				a.writeError(ww, err)
				a.record(path, start, ww.status)
				return
			}
		case authSession:
			if err := a.requireAdminSession(r); err != nil {
				a.writeError(ww, err)
				a.record(path, start, ww.status)
				return
			}
		case authDebug:
			if !a.hasAdminSession(r) {
				if err := a.checkAPIToken(r); err != nil {
					a.writeError(ww, err)
					a.record(path, start, ww.status)
					return
				}
			}
		}

		fn(ww, r)
		a.record(path, start, ww.status)
	})
}

func (a *API) record(path string, start time.Time, status int) {
	name := "api." + path
	a.metrics.Record(name, status < 400, time.Since(start))
	if a.metrics.ShouldAlert(name, alertOverrides(path)) {
		slog.Warn("metric alert", "path", path)
	}
}

func alertOverrides(path string) AlertThresholds {
	if path == "/api/state/stream" {
		return AlertThresholds{ErrorRate: 0.2, AvgMs: 10_000, MinInterval: time.Minute}
	}
	return AlertThresholds{ErrorRate: 0.2, AvgMs: 2000, MinInterval: time.Minute}
}

// checkAPIToken enforces bearer/X-API-Key auth when a token is configured
// and auth is enabled.
func (a *API) checkAPIToken(r *http.Request) error {
	settings := a.reg.Store.Snapshot().AppSettings
	if settings.APIToken == "" || !settings.AuthEnabled {
		return nil
	}
	provided := bearerOrHeader(r, "X-API-Key")
	if provided == "" {
		return apperr.Unauthorized("Missing API token")
	}
	if provided != settings.APIToken {
		return apperr.Unauthorized("Invalid API token")
	}
	return nil
}

// enforceAdmin validates the admin token, the IP allowlist, and the 5
// requests / 60s / IP rate limit. Returns the caller's IP for audit logs.
func (a *API) enforceAdmin(r *http.Request) (string, error) {
	settings := a.reg.Store.Snapshot().AppSettings
	if settings.AdminToken == "" {
		return "", apperr.Unauthorized("Admin token not configured")
	}

	ip := clientIP(r)
	if len(settings.AdminAllowlist) > 0 {
		allowed := false
		for _, candidate := range settings.AdminAllowlist {
			if candidate == ip {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", apperr.Forbidden("IP not allowed")
		}
	}

	if !a.adminLimiter.Allow(ip) {
		return "", apperr.TooManyRequests("Rate limit exceeded")
	}

	provided := bearerOrHeader(r, "X-Admin-Token")
	if provided == "" {
		return "", apperr.Unauthorized("Missing admin token")
	}
	if provided != settings.AdminToken {
		return "", apperr.Unauthorized("Invalid admin token")
	}
	return ip, nil
}

func (a *API) sessionKey() []byte {
	return []byte(a.reg.Store.Snapshot().AppSettings.SessionSecret)
}

func (a *API) hasAdminSession(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	payload, valid := a.sessions.Verify(cookie.Value, a.sessionKey())
	return valid && payload.AdminLoggedIn
}

func (a *API) requireAdminSession(r *http.Request) error {
	if !a.hasAdminSession(r) {
		return apperr.Unauthorized("Login required")
	}
	return nil
}

func (a *API) setAdminSession(w http.ResponseWriter) {
	value := a.sessions.Sign(sessionPayload{AdminLoggedIn: true}, a.sessionKey(), 24*time.Hour)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearAdminSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func bearerOrHeader(r *http.Request, headerName string) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get(headerName))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- response helpers ----

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError renders the domain error shape {detail, error, meta?};
// unexpected errors become opaque 500s.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var domain *apperr.DomainError
	if errors.As(err, &domain) {
		payload := map[string]any{"detail": domain.Detail, "error": domain.Code}
		if domain.Meta != nil && domain.Status < 500 {
			payload["meta"] = domain.Meta
		}
		if domain.Status >= 500 {
			slog.Error("request failed", "status", domain.Status, "detail", domain.Detail)
		}
		a.writeJSON(w, domain.Status, payload)
		return
	}
	slog.Error("unhandled request error", "error", err)
	a.writeJSON(w, 500, map[string]any{"detail": "Internal server error", "error": "internal_error"})
}

func (a *API) decodeJSON(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return apperr.BadRequest("Invalid JSON body")
	}
	return nil
}

// resolvePrinterID picks the query's printer_id or falls back to the
// active printer.
func (a *API) resolvePrinterID(r *http.Request) (string, bool) {
	if id := r.URL.Query().Get("printer_id"); id != "" {
		return id, true
	}
	if active, ok := a.reg.ActivePrinter(); ok {
		return active.ID, true
	}
	return "", false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := s.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

type simpleMessage struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
