package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/engine"
	"github.com/bambu-fleet/monitor/internal/api"
	"github.com/bambu-fleet/monitor/internal/config"
	"github.com/bambu-fleet/monitor/internal/registry"
)

// newTestServer boots the full router over an empty configuration: no
// printers, generated tokens, auth disabled by default.
func newTestServer(t *testing.T, mutate func(*config.AppFile) error) (*httptest.Server, *registry.Registry) {
	t.Helper()
	dataDir := t.TempDir()
	conf := config.Config{
		DataDir:     dataDir,
		CacheDir:    filepath.Join(dataDir, "print-cache"),
		AppJSONPath: filepath.Join(dataDir, "app.json"),
	}
	store, err := config.Open(conf.AppJSONPath)
	require.NoError(t, err)
	if mutate != nil {
		require.NoError(t, store.Mutate(mutate))
	}

	reg := registry.New(conf, store)
	router := engine.NewRouter(notFoundHandler())
	api.New(reg).AttachRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(reg.Shutdown)
	return server, reg
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "degraded", payload["status"])
	assert.Equal(t, false, payload["printer_online"])
	assert.Equal(t, "disconnected", payload["ftps_status"])

	require.NoError(t, engine.CheckHealthProbe(server.URL+"/healthz"))
}

func TestAPITokenEnforcement(t *testing.T) {
	server, reg := newTestServer(t, func(file *config.AppFile) error {
		file.AppSettings.AuthEnabled = true
		return nil
	})
	token := reg.Store.Snapshot().AppSettings.APIToken
	require.NotEmpty(t, token)

	// Unauthenticated request to a protected endpoint.
	resp, err := http.Get(server.URL + "/api/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)

	// Bearer token passes.
	req, _ := http.NewRequest("GET", server.URL+"/api/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	// X-API-Key passes too.
	req, _ = http.NewRequest("GET", server.URL+"/api/events", nil)
	req.Header.Set("X-API-Key", token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	// Health stays public even with auth enabled.
	resp, err = http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestAdminRateLimit(t *testing.T) {
	server, reg := newTestServer(t, nil)
	admin := reg.Store.Snapshot().AppSettings.AdminToken
	require.NotEmpty(t, admin)

	get := func() int {
		req, _ := http.NewRequest("GET", server.URL+"/api/admin/status", nil)
		req.Header.Set("Authorization", "Bearer "+admin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, 200, get(), "request %d", i+1)
	}
	assert.Equal(t, 429, get(), "sixth admin request in the window must be limited")
}

func TestAdminTokenRequired(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Post(server.URL+"/api/admin/token/rotate", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Missing admin token", payload["detail"])
	assert.Equal(t, "unauthorized", payload["error"])
}

func TestAuthSessionFlow(t *testing.T) {
	server, _ := newTestServer(t, nil)

	// Setup password on a fresh install, then log in.
	body, _ := json.Marshal(map[string]string{"password": "hunter22"})
	resp, err := http.Post(server.URL+"/api/auth/setup-password", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	// A second setup attempt conflicts.
	resp, err = http.Post(server.URL+"/api/auth/setup-password", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 409, resp.StatusCode)

	login, _ := json.Marshal(map[string]string{"username": "admin", "password": "hunter22"})
	resp, err = http.Post(server.URL+"/api/auth/login", "application/json", bytes.NewReader(login))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	// The session cookie unlocks session-guarded endpoints.
	req, _ := http.NewRequest("GET", server.URL+"/api/auth/tokens", nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	// Without the cookie it's a 401.
	resp2, err := http.Get(server.URL + "/api/auth/tokens")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, 401, resp2.StatusCode)

	// Wrong password is rejected.
	badLogin, _ := json.Marshal(map[string]string{"username": "admin", "password": "wrong"})
	resp, err = http.Post(server.URL+"/api/auth/login", "application/json", bytes.NewReader(badLogin))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)
}

func TestStatusUnconfigured(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 503, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Printer not configured yet", payload["detail"])
}
