package api

import (
	"github.com/bambu-fleet/monitor/engine"
)

// AttachRoutes registers the full API surface on the engine router.
func (a *API) AttachRoutes(router *engine.Router) {
	// Status and state stream.
	a.handle(router, "GET /api/status", authToken, a.handleStatus)
	a.handle(router, "GET /api/status/current-printer", authToken, a.handleCurrentPrinter)
	a.handle(router, "GET /api/status/printers", authToken, a.handleListPrinters)
	a.handle(router, "POST /api/status/printers", authToken, a.handleRegisterPrinter)
	a.handle(router, "POST /api/status/printers/verify", authToken, a.handleVerifyPrinter)
	a.handle(router, "PUT /api/status/printers/{printer_id}", authToken, a.handleUpdatePrinter)
	a.handle(router, "DELETE /api/status/printers/{printer_id}", authToken, a.handleDeletePrinter)
	a.handle(router, "POST /api/status/printers/{printer_id}/default", authToken, a.handleSetDefaultPrinter)
	a.handle(router, "POST /api/status/select-printer", authToken, a.handleSelectPrinter)
	a.handle(router, "GET /api/state/stream", authToken, a.handleStateStream)

	// Camera.
	a.handle(router, "GET /api/camera", authToken, a.handleCameraFrame)
	a.handle(router, "GET /api/camera/access", authToken, a.handleCameraAccess)
	a.handle(router, "GET /api/camera/mjpeg", authToken, a.handleCameraMJPEG)
	a.handle(router, "POST /api/camera/webrtc/offer", authToken, a.handleWebRTCOffer)
	a.handle(router, "POST /api/camera/webrtc/keepalive", authToken, a.handleWebRTCKeepalive)
	a.handle(router, "POST /api/camera/webrtc/release", authToken, a.handleWebRTCRelease)
	a.handle(router, "GET /api/camera/webrtc/signal", authToken, a.handleWebRTCSignal)

	// Control commands.
	a.handle(router, "POST /api/control/pushall", authToken, a.handlePushall)
	a.handle(router, "POST /api/control/command", authToken, a.handlePrintCommand)
	a.handle(router, "POST /api/control/chamber-light", authToken, a.handleChamberLight)
	a.handle(router, "POST /api/control/ams/filament", authToken, a.handleAmsFilament)
	a.handle(router, "POST /api/control/features/toggle", authToken, a.handleFeatureToggle)
	a.handle(router, "POST /api/control/accessories/nozzle", authToken, a.handleNozzleAccessory)
	a.handle(router, "POST /api/control/ams/material", authToken, a.handleAmsMaterial)
	a.handle(router, "POST /api/control/skip-objects", authToken, a.handleSkipObjects)

	// File browser.
	a.handle(router, "GET /api/ftps/files", authToken, a.handleListFiles)
	a.handle(router, "GET /api/files", authToken, a.handleListFiles)
	a.handle(router, "GET /api/files/download", authToken, a.handleDownload)
	a.handle(router, "POST /api/files/create-folder", authToken, a.handleCreateFolder)
	a.handle(router, "POST /api/files/rename", authToken, a.handleRename)
	a.handle(router, "DELETE /api/files/delete", authToken, a.handleDelete)
	a.handle(router, "POST /api/files/upload", authToken, a.handleUpload)
	a.handle(router, "GET /api/files/upload/status", authToken, a.handleUploadStatus)
	a.handle(router, "POST /api/files/upload/cancel", authToken, a.handleUploadCancel)

	// Print jobs.
	a.handle(router, "POST /api/printjob/prepare", authToken, a.handlePrepare)
	a.handle(router, "POST /api/printjob/cancel", authToken, a.handlePrepareCancel)
	a.handle(router, "GET /api/printjob/status", authToken, a.handlePrintJobStatus)
	a.handle(router, "POST /api/printjob/execute", authToken, a.handleExecutePrint)
	a.handle(router, "GET /api/printjob/plate-preview", authPublic, a.handlePlatePreview)
	a.handle(router, "GET /api/printjob/skip-metadata", authToken, a.handleSkipMetadata)

	// Events, filaments, observability.
	a.handle(router, "GET /api/events", authToken, a.handleListEvents)
	a.handle(router, "DELETE /api/events", authToken, a.handleClearEvents)
	a.handle(router, "GET /api/filaments/catalog", authToken, a.handleFilamentCatalog)
	a.handle(router, "GET /api/filaments/custom", authToken, a.handleListCustomFilaments)
	a.handle(router, "GET /api/filaments/custom/candidates", authToken, a.handleFilamentCandidates)
	a.handle(router, "POST /api/filaments/custom", authToken, a.handleSaveCustomFilament)
	a.handle(router, "DELETE /api/filaments/custom/{tray_info_idx}", authToken, a.handleDeleteCustomFilament)
	a.handle(router, "GET /api/metrics", authToken, a.handleMetrics)
	a.handle(router, "GET /api/health", authPublic, a.handleHealth)
	router.HandleFunc("GET /healthz", engine.ServeHealthProbe(func() error { return nil }))

	// Debug (API token or admin session).
	a.handle(router, "GET /api/debug", authDebug, a.handleDebug)
	a.handle(router, "GET /api/debug/data", authDebug, a.handleDebug)

	// Admin (token-based) endpoints.
	a.handle(router, "GET /api/admin/status", authAdmin, a.handleAdminStatus)
	a.handle(router, "POST /api/admin/auth/enable", authAdmin, a.handleAdminAuthEnable)
	a.handle(router, "POST /api/admin/auth/disable", authAdmin, a.handleAdminAuthDisable)
	a.handle(router, "POST /api/admin/token/rotate", authAdmin, a.handleAdminRotateAPIToken)
	a.handle(router, "POST /api/admin/admin-token/rotate", authAdmin, a.handleAdminRotateAdminToken)
	a.handle(router, "POST /api/admin/allowlist", authAdmin, a.handleAdminAllowlist)
	a.handle(router, "POST /api/admin/services/restart", authAdmin, a.handleAdminRestart)
	a.handle(router, "GET /api/admin/config", authAdmin, a.handleAdminConfig)

	// Session-based auth endpoints.
	a.handle(router, "POST /api/auth/login", authPublic, a.handleLogin)
	a.handle(router, "POST /api/auth/logout", authPublic, a.handleLogout)
	a.handle(router, "POST /api/auth/setup-password", authPublic, a.handleSetupPassword)
	a.handle(router, "POST /api/auth/change-password", authSession, a.handleChangePassword)
	a.handle(router, "GET /api/auth/tokens", authSession, a.handleAuthTokens)
	a.handle(router, "POST /api/auth/api-token/rotate", authSession, a.handleAuthRotateAPIToken)
	a.handle(router, "POST /api/auth/admin-token/rotate", authSession, a.handleAuthRotateAdminToken)
	a.handle(router, "GET /api/auth/allowlist", authSession, a.handleAuthGetAllowlist)
	a.handle(router, "POST /api/auth/allowlist", authSession, a.handleAuthSetAllowlist)
	a.handle(router, "POST /api/auth/session-secret/rotate", authSession, a.handleRotateSessionSecret)
	a.handle(router, "GET /api/auth/cache/status", authSession, a.handleCacheStatus)
	a.handle(router, "POST /api/auth/cache/clean", authSession, a.handleCacheClean)
	a.handle(router, "GET /api/auth/cache/settings", authSession, a.handleCacheSettings)
	a.handle(router, "POST /api/auth/cache/settings", authSession, a.handleUpdateCacheSettings)
}
