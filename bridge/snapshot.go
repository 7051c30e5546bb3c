package bridge

import "time"

// Snapshot is the immutable application-level view of the machine, produced
// once per poll cycle. A snapshot is never mutated after publication; each
// cycle supersedes the previous one and consumers hold only the latest
// reference.
type Snapshot struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Connected bool      `json:"connected"`

	Force      ForceReadings      `json:"force"`
	Position   PositionReadings   `json:"position"`
	Deflection DeflectionReadings `json:"deflection"`
	Test       TestState          `json:"test"`
	Results    ResultSummary      `json:"results"`
	Servo      ServoStatus        `json:"servo"`
	Step       StepStatus         `json:"step"`
	Safety     SafetyStatus       `json:"safety"`
	Clamps     ClampStatus        `json:"clamps"`
	Mode       ModeStatus         `json:"mode"`
	Alarm      AlarmStatus        `json:"alarm"`
	Parameters ParamValues        `json:"parameters"`
	PLC        PLCStatus          `json:"plc"`
}

// ForceReadings groups the load-cell values from DB2.
type ForceReadings struct {
	Raw      float32 `json:"raw"`      // load cell counts
	Actual   float32 `json:"actual"`   // zeroed load cell value
	Filtered float32 `json:"filtered"` // low-pass filtered, N
	KN       float32 `json:"kn"`
	N        float32 `json:"n"`
}

// PositionReadings groups crosshead position values from DB2 and DB3.
type PositionReadings struct {
	Raw    float32 `json:"raw"`
	Actual float32 `json:"actual"`
	Servo  float32 `json:"servo"`
	Target float32 `json:"target"`
}

// DeflectionReadings groups sample deflection values.
type DeflectionReadings struct {
	Actual  float32 `json:"actual"`  // mm
	Percent float32 `json:"percent"` // % of pipe diameter
	Target  float32 `json:"target"`  // mm, from DB1
}

// TestState mirrors the PLC test sequencer.
type TestState struct {
	Status         int16 `json:"status"` // -1 when disconnected
	Stage          Stage `json:"stage"`
	Progress       int   `json:"progress"` // %, derived from Stage
	Recording      bool  `json:"recording"`
	PreloadReached bool  `json:"preload_reached"`
	Passed         bool  `json:"passed"`
}

// ResultSummary carries the ISO 9969 outputs computed by the PLC.
type ResultSummary struct {
	RingStiffness   float32 `json:"ring_stiffness"`
	ForceAtTarget   float32 `json:"force_at_target"`
	SNClass         int16   `json:"sn_class"`
	ContactPosition float32 `json:"contact_position"`
	DataPoints      int16   `json:"data_points"`
}

// ServoStatus mirrors the servo and motion-controller status bits.
type ServoStatus struct {
	Ready       bool    `json:"ready"`
	Error       bool    `json:"error"`
	Enabled     bool    `json:"enabled"`
	AtHome      bool    `json:"at_home"`
	MCPower     bool    `json:"mc_power"`
	MCBusy      bool    `json:"mc_busy"`
	MCError     bool    `json:"mc_error"`
	Speed       float32 `json:"speed"`        // mm/min
	JogVelocity float32 `json:"jog_velocity"` // mm/min, actual
}

// StepStatus mirrors the step-movement handshake bits.
type StepStatus struct {
	Distance float32 `json:"distance"` // mm
	Active   bool    `json:"active"`
	Done     bool    `json:"done"`
}

// SafetyStatus mirrors the hardwired safety chain.
type SafetyStatus struct {
	EStop         bool `json:"e_stop"`
	UpperLimit    bool `json:"upper_limit"`
	LowerLimit    bool `json:"lower_limit"`
	Home          bool `json:"home"`
	OK            bool `json:"ok"`
	MotionAllowed bool `json:"motion_allowed"`
}

// ClampStatus reports the pipe clamp lock bits.
type ClampStatus struct {
	Upper bool `json:"upper"`
	Lower bool `json:"lower"`
}

// ModeStatus reports the control-mode arbitration state.
type ModeStatus struct {
	Remote    bool `json:"remote"`
	CanChange bool `json:"can_change"`
}

// AlarmStatus is derived by the bridge from the stage ordinal and the fault
// bits; it stays asserted in every snapshot until the PLC clears the
// underlying condition.
type AlarmStatus struct {
	Active bool `json:"active"`
	Code   int  `json:"code"`
}

// ParamValues is the decoded DB1 parameter set.
type ParamValues struct {
	PipeDiameter      float32 `json:"pipe_diameter"`
	PipeLength        float32 `json:"pipe_length"`
	DeflectionPercent float32 `json:"deflection_percent"`
	DeflectionTarget  float32 `json:"deflection_target"`
	TestSpeed         float32 `json:"test_speed"`
	MaxStroke         float32 `json:"max_stroke"`
	MaxForce          float32 `json:"max_force"`
	PreloadForce      float32 `json:"preload_force"`
	ApproachSpeed     float32 `json:"approach_speed"`
	ContactSpeed      float32 `json:"contact_speed"`
	ReturnSpeed       float32 `json:"return_speed"`
}

// PLCStatus reports transport-level health.
type PLCStatus struct {
	Connected bool   `json:"connected"`
	CPUState  string `json:"cpu_state"` // "run", "unknown"
	Address   string `json:"address"`
}
