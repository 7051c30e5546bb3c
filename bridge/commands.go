package bridge

import "fmt"

// Op identifies a command intent variant.
type Op int

const (
	OpSetJog Op = iota + 1
	OpStopAllJog
	OpSetJogVelocity
	OpStart
	OpStop
	OpHome
	OpReset
	OpEnableServo
	OpDisableServo
	OpLockClamp
	OpUnlockAll
	OpSetMode
	OpSetStepDistance
	OpStep
	OpTare
	OpZeroPosition
	OpSetParameters

	// opClearBits is internal: the falling edge of a pulse command,
	// scheduled by the arbiter itself.
	opClearBits
)

// Direction of a jog or step movement. Forward moves the crosshead down
// toward the sample.
type Direction int

const (
	DirForward Direction = iota
	DirBackward
)

func (d Direction) String() string {
	if d == DirBackward {
		return "backward"
	}
	return "forward"
}

// Clamp identifies a pipe clamp.
type Clamp int

const (
	ClampUpper Clamp = iota
	ClampLower
)

func (c Clamp) String() string {
	if c == ClampLower {
		return "lower"
	}
	return "upper"
}

// Parameters carries a partial update of the DB1 test parameters. Nil fields
// are left untouched on the PLC.
type Parameters struct {
	PipeDiameter      *float64 `json:"pipe_diameter,omitempty"`
	PipeLength        *float64 `json:"pipe_length,omitempty"`
	DeflectionPercent *float64 `json:"deflection_percent,omitempty"`
	TestSpeed         *float64 `json:"test_speed,omitempty"`
	MaxForce          *float64 `json:"max_force,omitempty"`
	PreloadForce      *float64 `json:"preload_force,omitempty"`
}

// Command is a single operator intent. It is created by a collaborator (HTTP
// API, websocket client), validated and transmitted exactly once by the
// bridge, and discarded after the Outcome is returned.
type Command struct {
	Op        Op
	Direction Direction   // SetJog, Step
	Pressed   bool        // SetJog: true while the button is held
	Value     float64     // SetJogVelocity, SetStepDistance
	Remote    bool        // SetMode
	Clamp     Clamp       // LockClamp
	Params    *Parameters // SetParameters

	// internal pulse clear fields
	clearBlock int
	clearByte  int
	clearBits  []uint
}

func (c Command) String() string {
	switch c.Op {
	case OpSetJog:
		return fmt.Sprintf("SetJog(%s, pressed=%v)", c.Direction, c.Pressed)
	case OpStopAllJog:
		return "StopAllJog"
	case OpSetJogVelocity:
		return fmt.Sprintf("SetJogVelocity(%g)", c.Value)
	case OpStart:
		return "Start"
	case OpStop:
		return "Stop"
	case OpHome:
		return "Home"
	case OpReset:
		return "Reset"
	case OpEnableServo:
		return "EnableServo"
	case OpDisableServo:
		return "DisableServo"
	case OpLockClamp:
		return fmt.Sprintf("LockClamp(%s)", c.Clamp)
	case OpUnlockAll:
		return "UnlockAll"
	case OpSetMode:
		if c.Remote {
			return "SetMode(remote)"
		}
		return "SetMode(local)"
	case OpSetStepDistance:
		return fmt.Sprintf("SetStepDistance(%g)", c.Value)
	case OpStep:
		return fmt.Sprintf("Step(%s)", c.Direction)
	case OpTare:
		return "Tare"
	case OpZeroPosition:
		return "ZeroPosition"
	case OpSetParameters:
		return "SetParameters"
	case opClearBits:
		return fmt.Sprintf("clearBits(DB%d.%d)", c.clearBlock, c.clearByte)
	default:
		return fmt.Sprintf("Command(%d)", int(c.Op))
	}
}
