package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ringbridge/bridge"
)

// Router builds the API route tree. Exposed separately from Start so tests
// can drive it with httptest.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/live", s.handleLive)
		r.Get("/parameters", s.handleGetParameters)
		r.Put("/parameters", s.handleSetParameters)
		r.Post("/parameters", s.handleSetParameters)
		r.Get("/results", s.handleResults)
		r.Get("/safety", s.handleSafety)
		r.Get("/mode", s.handleGetMode)
		r.Post("/mode", s.handleSetMode)
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleSSE)

		r.Route("/command", func(r chi.Router) {
			r.Post("/jog", s.handleJog)
			r.Post("/jog/stop", s.handleStopAllJog)
			r.Post("/jog/velocity", s.handleJogVelocity)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/home", s.handleHome)
			r.Post("/reset", s.handleReset)
			r.Post("/servo/enable", s.handleServoEnable)
			r.Post("/servo/disable", s.handleServoDisable)
			r.Post("/clamp/lock", s.handleClampLock)
			r.Post("/clamp/unlock", s.handleClampUnlock)
			r.Post("/tare", s.handleTare)
			r.Post("/zero", s.handleZero)
		})

		r.Route("/step", func(r chi.Router) {
			r.Get("/status", s.handleStepStatus)
			r.Post("/distance", s.handleStepDistance)
			r.Post("/move", s.handleStepMove)
		})
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

// latest returns the current snapshot, writing a 503 when none exists yet.
func (s *Server) latest(w http.ResponseWriter) *bridge.Snapshot {
	snap := s.bridge.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no data from PLC yet")
		return nil
	}
	return snap
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, snap)
	}
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, snap.Parameters)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, map[string]interface{}{
			"results": snap.Results,
			"test":    snap.Test,
		})
	}
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, map[string]interface{}{
			"safety": snap.Safety,
			"alarm":  snap.Alarm,
		})
	}
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, snap.Mode)
	}
}

func (s *Server) handleStepStatus(w http.ResponseWriter, r *http.Request) {
	if snap := s.latest(w); snap != nil {
		writeJSON(w, snap.Step)
	}
}

// HealthResponse is the JSON structure for the health endpoint.
type HealthResponse struct {
	Connected   bool   `json:"connected"`
	Address     string `json:"address"`
	Mode        string `json:"mode"`
	Seq         uint64 `json:"seq"`
	Subscribers int    `json:"subscribers"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Subscribers: s.bridge.Hub().Count(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if snap := s.bridge.Latest(); snap != nil {
		resp.Connected = snap.Connected
		resp.Address = snap.PLC.Address
		resp.Seq = snap.Seq
		if snap.Mode.Remote {
			resp.Mode = "remote"
		} else {
			resp.Mode = "local"
		}
	}
	writeJSON(w, resp)
}
