package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ringbridge/logging"
)

// handleSSE serves the /api/events stream. Each snapshot published by the
// bridge becomes one "snapshot" event; a slow reader receives only the
// newest snapshot because the hub drops intermediates.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.bridge.Hub().Subscribe()
	defer s.bridge.Hub().Unsubscribe(sub)

	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	logging.DebugLog("api-sse", "client %s connected", clientID)
	defer logging.DebugLog("api-sse", "client %s disconnected", clientID)

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	// Send the current state immediately so the client does not wait a
	// poll interval for its first frame.
	if snap := s.bridge.Latest(); snap != nil {
		if data, err := json.Marshal(snap); err == nil {
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}

	notify := r.Context().Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			return

		case snap, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
