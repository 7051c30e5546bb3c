// Package api exposes the machine over HTTP: REST endpoints for state and
// commands, an SSE stream and a websocket for live snapshots.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ringbridge/bridge"
	"ringbridge/config"
)

// Server is the HTTP API server.
type Server struct {
	bridge  *bridge.Bridge
	cfg     *config.WebConfig
	server  *http.Server
	running bool
	mu      sync.RWMutex
}

// NewServer creates an API server over the given bridge.
func NewServer(b *bridge.Bridge, cfg *config.WebConfig) *Server {
	return &Server{
		bridge: b,
		cfg:    cfg,
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(s.Router()),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeOutcome maps a command outcome to an HTTP status and writes it.
func writeOutcome(w http.ResponseWriter, out bridge.Outcome) {
	status := http.StatusOK
	if !out.Accepted {
		switch out.Reason {
		case bridge.ReasonDisconnected:
			status = http.StatusServiceUnavailable
		case bridge.ReasonOutOfRange:
			status = http.StatusUnprocessableEntity
		case bridge.ReasonWriteFailed:
			status = http.StatusBadGateway
		default: // mode_denied, mode_locked, safety_interlock
			status = http.StatusConflict
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(out)
}
