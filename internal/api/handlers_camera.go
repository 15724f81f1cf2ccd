package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/cameraclient"
)

func (a *API) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	printerID, ok := a.resolvePrinterID(r)
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	state := a.reg.Repo.GetState(printerID)
	a.writeJSON(w, 200, map[string]any{
		"frame":      state.CameraFrame,
		"updated_at": state.UpdatedAt,
	})
}

func (a *API) handleCameraAccess(w http.ResponseWriter, r *http.Request) {
	printerID, ok := a.resolvePrinterID(r)
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return
	}
	if active, activeOK := a.reg.ActivePrinter(); activeOK && active.ID == printerID {
		if camera := a.reg.Camera(); camera != nil {
			a.writeJSON(w, 200, map[string]any{"cameras": camera.AccessList()})
			return
		}
	}
	for _, printer := range a.reg.Store.Printers() {
		if printer.ID == printerID {
			a.writeJSON(w, 200, map[string]any{"cameras": cameraclient.BuildAccess(printer)})
			return
		}
	}
	a.writeError(w, apperr.NotFound(fmt.Sprintf("Printer with id %q not found", printerID)))
}

// handleCameraMJPEG serves a live multipart MJPEG stream of the internal
// camera; frames fan out through the shared stream mux, which starts the
// source on the first viewer and stops it with the last.
func (a *API) handleCameraMJPEG(w http.ResponseWriter, r *http.Request) {
	camera := a.reg.Camera()
	if camera == nil {
		a.writeError(w, apperr.ServiceUnavailable("Camera service not available"))
		return
	}
	ch := camera.Mux.Subscribe()
	if ch == nil {
		a.writeError(w, apperr.ServiceUnavailable("Internal camera stream not available"))
		return
	}
	defer camera.Mux.Unsubscribe(ch)

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, apperr.Internal("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+cameraclient.MJPEGBoundary)
	w.WriteHeader(200)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *API) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	camera := a.reg.Camera()
	if camera == nil {
		a.writeError(w, apperr.NotFound("Camera service not available"))
		return
	}
	var req struct {
		SDP    string `json:"sdp"`
		Source string `json:"source"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	sessionID := camera.Sessions.Claim()
	if sessionID == "" {
		a.writeError(w, apperr.TooManyRequests("Max viewers reached"))
		return
	}
	answer, err := camera.RequestWebRTCAnswer(req.SDP, req.Source)
	if err != nil {
		camera.Sessions.Release(sessionID)
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]string{"sdp": answer, "session_id": sessionID})
}

func (a *API) handleWebRTCKeepalive(w http.ResponseWriter, r *http.Request) {
	camera := a.reg.Camera()
	if camera == nil {
		a.writeError(w, apperr.NotFound("Camera service not available"))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if !camera.Sessions.Keepalive(req.SessionID) {
		a.writeError(w, apperr.NotFound("Session not found"))
		return
	}
	a.writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (a *API) handleWebRTCRelease(w http.ResponseWriter, r *http.Request) {
	camera := a.reg.Camera()
	if camera == nil {
		a.writeError(w, apperr.NotFound("Camera service not available"))
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	camera.Sessions.Release(req.SessionID)
	a.writeJSON(w, 200, map[string]string{"status": "ok"})
}

var signalUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type signalMessage struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Source    string `json:"source,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleWebRTCSignal negotiates WebRTC over a websocket: the viewer sends
// an offer, receives the answer, and the session stays alive as long as
// the socket keeps sending keepalives. Closing the socket releases the
// viewer slot, so abandoned tabs don't pin a slot until the TTL.
func (a *API) handleWebRTCSignal(w http.ResponseWriter, r *http.Request) {
	camera := a.reg.Camera()
	if camera == nil {
		a.writeError(w, apperr.NotFound("Camera service not available"))
		return
	}
	conn, err := signalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var offer signalMessage
	if err := conn.ReadJSON(&offer); err != nil || offer.Type != "offer" {
		conn.WriteJSON(signalMessage{Type: "error", Error: "expected an offer message"})
		return
	}

	sessionID := camera.Sessions.Claim()
	if sessionID == "" {
		conn.WriteJSON(signalMessage{Type: "error", Error: "Max viewers reached"})
		return
	}
	defer camera.Sessions.Release(sessionID)

	answer, err := camera.RequestWebRTCAnswer(offer.SDP, offer.Source)
	if err != nil {
		conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: answer, SessionID: sessionID}); err != nil {
		return
	}

	for {
		var msg signalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "keepalive" {
			camera.Sessions.Keepalive(sessionID)
		}
	}
}
