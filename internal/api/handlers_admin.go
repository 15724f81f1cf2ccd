package api

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/config"
)

func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func audit(action, ip string, extra ...any) {
	args := append([]any{"action", action, "ip", ip}, extra...)
	slog.Info("admin_action", args...)
}

func (a *API) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	settings := a.reg.Store.Snapshot().AppSettings
	a.writeJSON(w, 200, map[string]any{
		"auth_enabled":    settings.AuthEnabled,
		"admin_allowlist": settings.AdminAllowlist,
		"api_token_set":   settings.APIToken != "",
		"admin_token_set": settings.AdminToken != "",
		"request_ip":      clientIP(r),
	})
}

func (a *API) setAuthEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AuthEnabled = enabled
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	action := "auth_disable"
	if enabled {
		action = "auth_enable"
	}
	audit(action, clientIP(r))
	a.writeJSON(w, 200, map[string]any{"auth_enabled": enabled})
}

func (a *API) handleAdminAuthEnable(w http.ResponseWriter, r *http.Request) {
	a.setAuthEnabled(w, r, true)
}

func (a *API) handleAdminAuthDisable(w http.ResponseWriter, r *http.Request) {
	a.setAuthEnabled(w, r, false)
}

func (a *API) rotateAPIToken() (string, error) {
	token := newToken()
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.APIToken = token
		return nil
	})
	return token, err
}

func (a *API) rotateAdminToken() (string, error) {
	token := newToken()
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AdminToken = token
		return nil
	})
	return token, err
}

func (a *API) handleAdminRotateAPIToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.rotateAPIToken()
	if err != nil {
		a.writeError(w, err)
		return
	}
	audit("api_token_rotate", clientIP(r))
	a.writeJSON(w, 200, map[string]string{"api_token": token})
}

func (a *API) handleAdminRotateAdminToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.rotateAdminToken()
	if err != nil {
		a.writeError(w, err)
		return
	}
	audit("admin_token_rotate", clientIP(r))
	a.writeJSON(w, 200, map[string]string{"admin_token": token})
}

func (a *API) handleAdminAllowlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowlist []string `json:"allowlist"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	cleaned := make([]string, 0, len(req.Allowlist))
	for _, item := range req.Allowlist {
		if item != "" {
			cleaned = append(cleaned, item)
		}
	}
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AdminAllowlist = cleaned
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	audit("admin_allowlist_update", clientIP(r), "allowlist", cleaned)
	a.writeJSON(w, 200, map[string]any{"admin_allowlist": cleaned})
}

func (a *API) handleAdminRestart(w http.ResponseWriter, r *http.Request) {
	active, ok := a.reg.ActivePrinter()
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	if err := a.reg.Activate(active.ID, true); err != nil {
		a.writeError(w, err)
		return
	}
	audit("services_restart", clientIP(r))
	a.writeJSON(w, 200, map[string]string{"status": "restarted"})
}

func (a *API) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	settings := a.reg.Store.Snapshot().AppSettings
	audit("config_export", clientIP(r))
	a.writeJSON(w, 200, map[string]any{
		"app_settings": map[string]any{
			"log_level":         a.reg.Config.LogLevel,
			"pushall_interval":  a.reg.Config.PushallInterval,
			"cam_interval":      a.reg.Config.CamInterval,
			"go2rtc_port":       a.reg.Config.Go2RtcPort,
			"go2rtc_path":       a.reg.Config.Go2RtcPath,
			"go2rtc_log_output": a.reg.Config.Go2RtcLogOutput,
			"auth_enabled":      settings.AuthEnabled,
			"admin_allowlist":   settings.AdminAllowlist,
		},
	})
}
