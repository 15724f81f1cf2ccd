package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/config"
)

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	settings := a.reg.Store.Snapshot().AppSettings
	if settings.AdminPasswordHash == "" {
		a.writeError(w, apperr.Conflict("Admin password not configured"))
		return
	}
	if !strings.EqualFold(strings.TrimSpace(req.Username), "admin") {
		a.writeError(w, apperr.Unauthorized("Invalid credentials"))
		return
	}
	if !VerifyPassword(req.Password, settings.AdminPasswordHash) {
		a.writeError(w, apperr.Unauthorized("Invalid credentials"))
		return
	}
	a.setAdminSession(w)
	a.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearAdminSession(w)
	a.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (a *API) handleSetupPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if a.reg.Store.Snapshot().AppSettings.AdminPasswordHash != "" {
		a.writeError(w, apperr.Conflict("Setup password is not required"))
		return
	}
	if len(req.Password) < 6 {
		a.writeError(w, apperr.BadRequest("Password must be at least 6 characters"))
		return
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	err = a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AdminPasswordHash = hash
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	settings := a.reg.Store.Snapshot().AppSettings
	if settings.AdminPasswordHash == "" {
		a.writeError(w, apperr.Conflict("Admin password not configured"))
		return
	}
	if !VerifyPassword(req.CurrentPassword, settings.AdminPasswordHash) {
		a.writeError(w, apperr.Unauthorized("Invalid credentials"))
		return
	}
	if len(req.NewPassword) < 6 {
		a.writeError(w, apperr.BadRequest("Password must be at least 6 characters"))
		return
	}
	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		a.writeError(w, err)
		return
	}
	err = a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AdminPasswordHash = hash
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]bool{"ok": true})
}

func (a *API) handleAuthTokens(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, map[string]string{"api_token": a.reg.Store.Snapshot().AppSettings.APIToken})
}

func (a *API) handleAuthRotateAPIToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.rotateAPIToken()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]string{"api_token": token})
}

func (a *API) handleAuthRotateAdminToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.rotateAdminToken()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]string{"admin_token": token})
}

func (a *API) handleAuthGetAllowlist(w http.ResponseWriter, r *http.Request) {
	allowlist := a.reg.Store.Snapshot().AppSettings.AdminAllowlist
	if allowlist == nil {
		allowlist = []string{}
	}
	a.writeJSON(w, 200, map[string]any{"allowlist": allowlist})
}

func (a *API) handleAuthSetAllowlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allowlist []string `json:"allowlist"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.AdminAllowlist = req.Allowlist
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]any{"allowlist": req.Allowlist})
}

func (a *API) handleRotateSessionSecret(w http.ResponseWriter, r *http.Request) {
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.SessionSecret = newToken()
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	// Existing session cookies are invalid from this point on.
	a.writeJSON(w, 200, map[string]any{"ok": true, "restart_required": false})
}

func (a *API) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, a.reg.Sweeper.Stats())
}

func (a *API) handleCacheClean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if req.Days < 1 || req.Days > 3650 {
		a.writeError(w, apperr.BadRequest("days must be between 1 and 3650"))
		return
	}
	result := a.reg.Sweeper.Clean(time.Duration(req.Days) * 24 * time.Hour)
	stats := a.reg.Sweeper.Stats()
	a.writeJSON(w, 200, map[string]any{
		"removed_bytes":   result.RemovedBytes,
		"removed_files":   result.RemovedFiles,
		"removed_folders": result.RemovedFolders,
		"removed_bundles": result.RemovedBundles,
		"size_bytes":      stats.TotalBytes,
	})
}

func (a *API) handleCacheSettings(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, 200, map[string]bool{
		"cache_upload_enabled": a.reg.Store.Snapshot().AppSettings.CacheUploadEnabled,
	})
}

func (a *API) handleUpdateCacheSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CacheUploadEnabled bool `json:"cache_upload_enabled"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	err := a.reg.Store.Mutate(func(file *config.AppFile) error {
		file.AppSettings.CacheUploadEnabled = req.CacheUploadEnabled
		return nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]bool{"cache_upload_enabled": req.CacheUploadEnabled})
}
