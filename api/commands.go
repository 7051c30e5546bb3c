package api

import (
	"encoding/json"
	"net/http"

	"ringbridge/bridge"
)

// jogRequest is the body for POST /api/command/jog.
type jogRequest struct {
	Direction string `json:"direction"`
	Pressed   bool   `json:"pressed"`
}

// valueRequest is the body for single-value commands.
type valueRequest struct {
	Value float64 `json:"value"`
}

// modeRequest is the body for POST /api/mode.
type modeRequest struct {
	Remote bool `json:"remote"`
}

// clampRequest is the body for POST /api/command/clamp/lock.
type clampRequest struct {
	Clamp string `json:"clamp"`
}

// stepRequest is the body for POST /api/step/move.
type stepRequest struct {
	Direction string `json:"direction"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func parseDirection(w http.ResponseWriter, s string) (bridge.Direction, bool) {
	switch s {
	case "forward", "down":
		return bridge.DirForward, true
	case "backward", "up":
		return bridge.DirBackward, true
	}
	writeError(w, http.StatusBadRequest, "direction must be forward or backward")
	return 0, false
}

func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	var req jogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, ok := parseDirection(w, req.Direction)
	if !ok {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:        bridge.OpSetJog,
		Direction: dir,
		Pressed:   req.Pressed,
	}))
}

func (s *Server) handleStopAllJog(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpStopAllJog}))
}

func (s *Server) handleJogVelocity(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:    bridge.OpSetJogVelocity,
		Value: req.Value,
	}))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpStart}))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpStop}))
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpHome}))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpReset}))
}

func (s *Server) handleServoEnable(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpEnableServo}))
}

func (s *Server) handleServoDisable(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpDisableServo}))
}

func (s *Server) handleClampLock(w http.ResponseWriter, r *http.Request) {
	var req clampRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var clamp bridge.Clamp
	switch req.Clamp {
	case "upper":
		clamp = bridge.ClampUpper
	case "lower":
		clamp = bridge.ClampLower
	default:
		writeError(w, http.StatusBadRequest, "clamp must be upper or lower")
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:    bridge.OpLockClamp,
		Clamp: clamp,
	}))
}

func (s *Server) handleClampUnlock(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpUnlockAll}))
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:     bridge.OpSetMode,
		Remote: req.Remote,
	}))
}

func (s *Server) handleStepDistance(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:    bridge.OpSetStepDistance,
		Value: req.Value,
	}))
}

func (s *Server) handleStepMove(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dir, ok := parseDirection(w, req.Direction)
	if !ok {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:        bridge.OpStep,
		Direction: dir,
	}))
}

func (s *Server) handleTare(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpTare}))
}

func (s *Server) handleZero(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.bridge.Submit(bridge.Command{Op: bridge.OpZeroPosition}))
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	var params bridge.Parameters
	if !decodeBody(w, r, &params) {
		return
	}
	writeOutcome(w, s.bridge.Submit(bridge.Command{
		Op:     bridge.OpSetParameters,
		Params: &params,
	}))
}
