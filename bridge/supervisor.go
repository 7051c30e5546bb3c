package bridge

// supervisor tracks the bridge-side motion state that cannot be read back
// from the PLC: which jog buttons this bridge believes are held, and whether
// a fail-safe clear is owed after a connection loss. It is owned by the run
// goroutine and never accessed concurrently.
type supervisor struct {
	jogForward  bool
	jogBackward bool

	// failSafe is set whenever the connection drops. Any command bit may be
	// latched on the PLC with its falling edge lost: a held jog whose
	// release never arrived, or a pulse whose scheduled clear was rejected
	// while the link was down. The first write after reconnect must clear
	// the motion command bits before anything else.
	failSafe bool

	lastStage Stage
	haveStage bool
}

func (s *supervisor) jogHeld() bool {
	return s.jogForward || s.jogBackward
}

func (s *supervisor) noteJog(d Direction, pressed bool) {
	if pressed {
		// Mutual exclusion mirrors the byte actually written: engaging one
		// direction releases the other.
		s.jogForward = d == DirForward
		s.jogBackward = d == DirBackward
		return
	}
	if d == DirForward {
		s.jogForward = false
	} else {
		s.jogBackward = false
	}
}

func (s *supervisor) noteStopAll() {
	s.jogForward = false
	s.jogBackward = false
}

func (s *supervisor) noteDisconnect() {
	s.failSafe = true
	s.jogForward = false
	s.jogBackward = false
}

// stageChanged records the stage from a connected snapshot and reports
// whether it differs from the previously recorded one. The first observed
// stage is not a transition.
func (s *supervisor) stageChanged(st Stage) bool {
	if !s.haveStage {
		s.haveStage = true
		s.lastStage = st
		return false
	}
	if st == s.lastStage {
		return false
	}
	s.lastStage = st
	return true
}
