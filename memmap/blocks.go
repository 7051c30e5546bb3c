// Package memmap defines the byte/bit layout of the PLC data blocks shared
// with the test machine's control program, and the pure codec functions used
// to read and write them. The layout is bit-exact and must stay in lockstep
// with the PLC program; do not reorder or renumber anything here without a
// matching PLC change.
package memmap

// Data block numbers.
const (
	BlockParams  = 1 // test parameters (read/write)
	BlockResults = 2 // test results (read, tare bit write)
	BlockControl = 3 // servo control (read/write)
	BlockHMI     = 4 // legacy HMI interface (zero-position pulse only)
)

// Read extents. The poller reads each block with a single contiguous read
// covering every field it decodes.
const (
	ParamsReadLen  = 58
	ResultsReadLen = 86
	ControlReadLen = 40
)

// DB1 - test parameters. All fields are REAL (32-bit IEEE big-endian).
const (
	ParamPipeDiameter      = 0
	ParamPipeLength        = 4
	ParamDeflectionPercent = 8
	ParamDeflectionTarget  = 12
	ParamTestSpeed         = 16
	ParamMaxStroke         = 20
	ParamMaxForce          = 24
	ParamPreloadForce      = 38
	ParamApproachSpeed     = 42
	ParamContactSpeed      = 46
	ParamReturnSpeed       = 50
)

// DB2 - test results.
const (
	ResActualForce      = 0  // REAL, N
	ResActualDeflection = 4  // REAL, mm
	ResDeflectionPct    = 8  // REAL, %
	ResForceAtTarget    = 12 // REAL
	ResRingStiffness    = 16 // REAL, kN/m2
	ResSNClass          = 20 // INT
	ResTestStatus       = 22 // INT
	ResForceFiltered    = 36 // REAL
	ResForceKN          = 44 // REAL
	ResLoadCellRaw      = 48 // REAL
	ResLoadCellActual   = 56 // REAL
	ResPositionRaw      = 62 // REAL
	ResPositionActual   = 70 // REAL
	ResTestStage        = 74 // INT
	ResContactPosition  = 78 // REAL
	ResDataPointCount   = 82 // INT

	ResFlagsByte     = 24 // test passed flag byte
	BitTestPassed    = 0
	ResTareByte      = 60 // tare command pulse byte
	BitTareCommand   = 0
	ResPreloadByte   = 76
	BitPreloadOK     = 0
	ResRecordingByte = 84
	BitRecording     = 0
)

// DB3 - servo control. Byte 0 packs the main command bits together with the
// servo-ready status bit; bytes 14, 20, 25 and 36 are likewise bit-packed.
// Writes to these bytes must go through read-modify-write so co-located bits
// survive.
const (
	CtrlCommandByte = 0
	BitEnable       = 0
	BitJogForward   = 1
	BitJogBackward  = 2
	BitStartTest    = 3
	BitStop         = 4
	BitReset        = 5
	BitHome         = 6
	BitServoReady   = 7 // status, written by the PLC

	CtrlStatusByte = 1
	BitServoError  = 0
	BitAtHome      = 1

	CtrlActualPosition = 2  // REAL, mm
	CtrlTargetPosition = 6  // REAL, mm
	CtrlActualSpeed    = 10 // REAL, mm/min
	CtrlJogVelocity    = 16 // REAL, mm/min (actual)

	CtrlClampByte = 14
	BitLockUpper  = 0
	BitLockLower  = 1

	CtrlMCByte = 20
	BitMCPower = 0
	BitMCBusy  = 1
	BitMCError = 2

	CtrlModeByte     = 25
	BitRemoteMode    = 0
	BitEStop         = 1
	BitUpperLimit    = 2
	BitLowerLimit    = 3
	BitHomePosition  = 4
	BitSafetyOK      = 5
	BitMotionAllowed = 6

	CtrlJogVelocitySP = 26 // REAL, mm/min (setpoint)

	CtrlModeChangeByte = 30
	BitModeChangeOK    = 0

	CtrlStepDistance = 32 // REAL, mm

	CtrlStepByte    = 36
	BitStepForward  = 0
	BitStepBackward = 1
	BitStepActive   = 2
	BitStepDone     = 3
)

// DB4 - legacy HMI block. The bridge only pulses the position-zero bit; the
// rest of the block belongs to the panel HMI.
const (
	HMICommandByte2 = 59
	BitZeroPosition = 7
)
