package bridge

// RejectReason classifies why a command was not executed. Reasons are
// returned synchronously to the caller and are never retried by the bridge.
type RejectReason string

const (
	// ReasonDisconnected: the PLC transport is down; nothing can be written.
	ReasonDisconnected RejectReason = "disconnected"
	// ReasonModeDenied: the machine is in local mode and the command needs
	// remote mode.
	ReasonModeDenied RejectReason = "mode_denied"
	// ReasonSafetyInterlock: a safety condition (e-stop latch, motion
	// blocked, step in progress) forbids the command.
	ReasonSafetyInterlock RejectReason = "safety_interlock"
	// ReasonOutOfRange: a value field is outside its configured range and
	// the field is not clampable.
	ReasonOutOfRange RejectReason = "out_of_range"
	// ReasonModeLocked: a local/remote transition was requested while a
	// test stage or held jog forbids it.
	ReasonModeLocked RejectReason = "mode_locked"
	// ReasonWriteFailed: the PLC rejected the write (addressing or data
	// error) while the connection itself stayed up.
	ReasonWriteFailed RejectReason = "write_failed"
)

// Outcome is the result of a command submission.
type Outcome struct {
	Accepted bool         `json:"success"`
	Reason   RejectReason `json:"reason,omitempty"`
	Message  string       `json:"message"`
}

func accepted(msg string) Outcome {
	return Outcome{Accepted: true, Message: msg}
}

func rejected(reason RejectReason, msg string) Outcome {
	return Outcome{Accepted: false, Reason: reason, Message: msg}
}
