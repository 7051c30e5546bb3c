package bridge

import (
	"time"

	"ringbridge/logging"
	"ringbridge/memmap"
	"ringbridge/s7"
)

// poll runs one acquisition cycle: reconnect housekeeping, three block
// reads, decode, publish. Runs on the run goroutine.
func (b *Bridge) poll() {
	if !b.tr.IsConnected() {
		if err := b.tr.TryReconnect(); err != nil {
			b.publishDisconnected()
			return
		}
		b.logf("PLC %s: reconnected (%s)", b.cfg.PLC.Name, b.tr.ConnectionMode())
		if b.sup.failSafe {
			// Releases and pulse falling edges were lost while the link was
			// down; nothing else may be written before the latched command
			// bits are clear.
			err := b.failSafeClear()
			if err == nil {
				err = b.flushPendingClears()
			}
			if err != nil {
				logging.DebugLog("bridge", "fail-safe clear failed: %v", err)
				if s7.IsConnectionError(err) {
					b.sup.noteDisconnect()
				}
				b.publishDisconnected()
				return
			}
			b.sup.failSafe = false
			b.logf("PLC %s: fail-safe cleared latched command bits after reconnect", b.cfg.PLC.Name)
		}
	}

	ctrl, err := b.readBlock(memmap.BlockControl, memmap.ControlReadLen)
	if err != nil {
		return
	}
	res, err := b.readBlock(memmap.BlockResults, memmap.ResultsReadLen)
	if err != nil {
		return
	}
	par, err := b.readBlock(memmap.BlockParams, memmap.ParamsReadLen)
	if err != nil {
		return
	}

	b.publish(b.decode(ctrl, res, par))
}

// readBlock reads a block and validates its length. On a connection error
// it publishes a disconnected snapshot so consumers see the loss within one
// poll interval; on a transient error the cycle is skipped and the previous
// snapshot stays current. A short read means the session handed back data
// that cannot be decoded, so the session itself is dropped and the next
// cycle reconnects.
func (b *Bridge) readBlock(block, size int) ([]byte, error) {
	buf, err := b.tr.ReadBlock(block, 0, size)
	if err == nil {
		if lenErr := memmap.CheckLen(block, buf, size); lenErr != nil {
			logging.DebugLog("poll", "DB%d short read: %v", block, lenErr)
			b.logf("PLC %s: dropping session after short read: %v", b.cfg.PLC.Name, lenErr)
			b.tr.SetDisconnected()
			b.sup.noteDisconnect()
			b.publishDisconnected()
			return nil, lenErr
		}
		return buf, nil
	}
	logging.DebugLog("poll", "DB%d read failed: %v", block, err)
	if s7.IsConnectionError(err) {
		b.logf("PLC %s: connection lost: %v", b.cfg.PLC.Name, err)
		b.sup.noteDisconnect()
		b.publishDisconnected()
	}
	return nil, err
}

func (b *Bridge) decode(ctrl, res, par []byte) *Snapshot {
	stage := Stage(memmap.Int16(res, memmap.ResTestStage))

	snap := &Snapshot{
		Timestamp: time.Now(),
		Connected: true,
		Force: ForceReadings{
			Raw:      memmap.Real(res, memmap.ResLoadCellRaw),
			Actual:   memmap.Real(res, memmap.ResLoadCellActual),
			Filtered: memmap.Real(res, memmap.ResForceFiltered),
			KN:       memmap.Real(res, memmap.ResForceKN),
			N:        memmap.Real(res, memmap.ResActualForce),
		},
		Position: PositionReadings{
			Raw:    memmap.Real(res, memmap.ResPositionRaw),
			Actual: memmap.Real(res, memmap.ResPositionActual),
			Servo:  memmap.Real(ctrl, memmap.CtrlActualPosition),
			Target: memmap.Real(ctrl, memmap.CtrlTargetPosition),
		},
		Deflection: DeflectionReadings{
			Actual:  memmap.Real(res, memmap.ResActualDeflection),
			Percent: memmap.Real(res, memmap.ResDeflectionPct),
			Target:  memmap.Real(par, memmap.ParamDeflectionTarget),
		},
		Test: TestState{
			Status:         memmap.Int16(res, memmap.ResTestStatus),
			Stage:          stage,
			Progress:       stage.Progress(),
			Recording:      memmap.Bit(res, memmap.ResRecordingByte, memmap.BitRecording),
			PreloadReached: memmap.Bit(res, memmap.ResPreloadByte, memmap.BitPreloadOK),
			Passed:         memmap.Bit(res, memmap.ResFlagsByte, memmap.BitTestPassed),
		},
		Results: ResultSummary{
			RingStiffness:   memmap.Real(res, memmap.ResRingStiffness),
			ForceAtTarget:   memmap.Real(res, memmap.ResForceAtTarget),
			SNClass:         memmap.Int16(res, memmap.ResSNClass),
			ContactPosition: memmap.Real(res, memmap.ResContactPosition),
			DataPoints:      memmap.Int16(res, memmap.ResDataPointCount),
		},
		Servo: ServoStatus{
			Ready:       memmap.Bit(ctrl, memmap.CtrlCommandByte, memmap.BitServoReady),
			Error:       memmap.Bit(ctrl, memmap.CtrlStatusByte, memmap.BitServoError),
			Enabled:     memmap.Bit(ctrl, memmap.CtrlCommandByte, memmap.BitEnable),
			AtHome:      memmap.Bit(ctrl, memmap.CtrlStatusByte, memmap.BitAtHome),
			MCPower:     memmap.Bit(ctrl, memmap.CtrlMCByte, memmap.BitMCPower),
			MCBusy:      memmap.Bit(ctrl, memmap.CtrlMCByte, memmap.BitMCBusy),
			MCError:     memmap.Bit(ctrl, memmap.CtrlMCByte, memmap.BitMCError),
			Speed:       memmap.Real(ctrl, memmap.CtrlActualSpeed),
			JogVelocity: memmap.Real(ctrl, memmap.CtrlJogVelocity),
		},
		Step: StepStatus{
			Distance: memmap.Real(ctrl, memmap.CtrlStepDistance),
			Active:   memmap.Bit(ctrl, memmap.CtrlStepByte, memmap.BitStepActive),
			Done:     memmap.Bit(ctrl, memmap.CtrlStepByte, memmap.BitStepDone),
		},
		Safety: SafetyStatus{
			EStop:         memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitEStop),
			UpperLimit:    memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitUpperLimit),
			LowerLimit:    memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitLowerLimit),
			Home:          memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitHomePosition),
			OK:            memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitSafetyOK),
			MotionAllowed: memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitMotionAllowed),
		},
		Clamps: ClampStatus{
			Upper: memmap.Bit(ctrl, memmap.CtrlClampByte, memmap.BitLockUpper),
			Lower: memmap.Bit(ctrl, memmap.CtrlClampByte, memmap.BitLockLower),
		},
		Mode: ModeStatus{
			Remote:    memmap.Bit(ctrl, memmap.CtrlModeByte, memmap.BitRemoteMode),
			CanChange: memmap.Bit(ctrl, memmap.CtrlModeChangeByte, memmap.BitModeChangeOK),
		},
		Parameters: ParamValues{
			PipeDiameter:      memmap.Real(par, memmap.ParamPipeDiameter),
			PipeLength:        memmap.Real(par, memmap.ParamPipeLength),
			DeflectionPercent: memmap.Real(par, memmap.ParamDeflectionPercent),
			DeflectionTarget:  memmap.Real(par, memmap.ParamDeflectionTarget),
			TestSpeed:         memmap.Real(par, memmap.ParamTestSpeed),
			MaxStroke:         memmap.Real(par, memmap.ParamMaxStroke),
			MaxForce:          memmap.Real(par, memmap.ParamMaxForce),
			PreloadForce:      memmap.Real(par, memmap.ParamPreloadForce),
			ApproachSpeed:     memmap.Real(par, memmap.ParamApproachSpeed),
			ContactSpeed:      memmap.Real(par, memmap.ParamContactSpeed),
			ReturnSpeed:       memmap.Real(par, memmap.ParamReturnSpeed),
		},
		PLC: PLCStatus{
			Connected: true,
			CPUState:  "run",
			Address:   b.cfg.PLC.Address,
		},
	}

	snap.Alarm = deriveAlarm(snap)
	return snap
}

// deriveAlarm maps fault bits and the stage ordinal to a local alarm code.
// The alarm is recomputed every cycle and stays asserted for exactly as long
// as the PLC reports the underlying condition.
func deriveAlarm(s *Snapshot) AlarmStatus {
	code := AlarmNone
	switch {
	case s.Safety.EStop:
		code = AlarmEStop
	case s.Servo.Error:
		code = AlarmServoError
	case s.Servo.MCError:
		code = AlarmMCError
	case s.Test.Stage == StageError:
		code = AlarmStageError
	}
	return AlarmStatus{Active: code != AlarmNone, Code: code}
}

// publish stamps, stores and broadcasts a snapshot, firing the
// test-completed hook on the transition into the complete stage.
func (b *Bridge) publish(snap *Snapshot) {
	b.seq++
	snap.Seq = b.seq
	b.latest.Store(snap)
	b.hub.Publish(snap)

	if snap.Connected && b.sup.stageChanged(snap.Test.Stage) {
		logging.DebugLog("poll", "stage -> %s", snap.Test.Stage)
		if snap.Test.Stage == StageComplete && b.TestCompleted != nil {
			b.TestCompleted(snap)
		}
	}
}

// publishDisconnected emits a snapshot marking the PLC unreachable. Motion
// fields are zeroed so consumers never act on stale readings; the status
// sentinel lets dashboards distinguish "no link" from "idle".
func (b *Bridge) publishDisconnected() {
	b.publish(&Snapshot{
		Timestamp: time.Now(),
		Connected: false,
		Test:      TestState{Status: -1, Stage: StageIdle},
		PLC: PLCStatus{
			Connected: false,
			CPUState:  "unknown",
			Address:   b.cfg.PLC.Address,
		},
	})
}
