package bridge

// Stage is the test-stage ordinal reported by the PLC program in DB2. The
// bridge never drives stage transitions; it mirrors them into snapshots with
// at most one poll interval of lag.
type Stage int16

const (
	StageIdle         Stage = 0
	StageInitializing Stage = 1
	StageHoming       Stage = 2
	StageApproaching  Stage = 3
	StagePreloading   Stage = 4
	StageTesting      Stage = 5
	StageRecording    Stage = 6
	StageReturning    Stage = 7
	StageComplete     Stage = 8
	StageError        Stage = 99
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageInitializing:
		return "initializing"
	case StageHoming:
		return "homing"
	case StageApproaching:
		return "approaching"
	case StagePreloading:
		return "preloading"
	case StageTesting:
		return "testing"
	case StageRecording:
		return "recording"
	case StageReturning:
		return "returning"
	case StageComplete:
		return "complete"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// stageProgress maps each stage ordinal to a nominal completion percentage.
var stageProgress = map[Stage]int{
	StageIdle:         0,
	StageInitializing: 5,
	StageHoming:       15,
	StageApproaching:  30,
	StagePreloading:   45,
	StageTesting:      60,
	StageRecording:    80,
	StageReturning:    90,
	StageComplete:     100,
	StageError:        0,
}

// Progress returns the nominal completion percentage for the stage.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Alarm codes derived locally by the bridge. Codes below 100 describe
// machine faults; the stage-error code marks an aborted test sequence.
const (
	AlarmNone       = 0
	AlarmEStop      = 1
	AlarmServoError = 2
	AlarmMCError    = 3
	AlarmStageError = 10
)

// MotionActive reports whether the stage belongs to the active-motion set
// during which mode changes are locked out.
func (s Stage) MotionActive() bool {
	return s >= StageHoming && s <= StageReturning
}

// Terminal reports whether the stage is an end state.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}
