package notifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// idleTimeout is the ping interval for otherwise-silent connections (§4.6).
const idleTimeout = 25 * time.Second

// ServeSSE writes the snapshot/diff/ping event stream for printerID ("" for
// every printer) until the client disconnects or the service shuts down.
func (s *StreamService) ServeSSE(w http.ResponseWriter, r *http.Request, printerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.Subscribe(printerID)
	defer unsubscribe()

	writeEvent(w, s.BuildSnapshot(printerID))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok || evt == nil {
				return
			}
			writeEvent(w, *evt)
			flusher.Flush()
		case <-time.After(idleTimeout):
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt Event) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Name, data)
}
