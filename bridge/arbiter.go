package bridge

import (
	"fmt"
	"time"

	"ringbridge/logging"
	"ringbridge/memmap"
	"ringbridge/s7"
)

// execute validates and carries out one command. It runs on the bridge's
// run goroutine, between poll cycles, so every read-modify-write here is
// atomic with respect to polling.
//
// Validation order is fixed: connection, then control mode, then safety
// interlocks, then command-specific checks. A caller always gets the
// highest-priority rejection that applies.
func (b *Bridge) execute(cmd Command) Outcome {
	if cmd.Op == opClearBits {
		return b.clearBits(cmd)
	}

	logging.DebugLog("bridge", "command %s", cmd)

	snap := b.latest.Load()
	if !b.tr.IsConnected() || snap == nil || !snap.Connected {
		return rejected(ReasonDisconnected, "PLC is not connected")
	}

	if motionCommand(cmd) {
		if !snap.Mode.Remote {
			return rejected(ReasonModeDenied, "machine is in local mode")
		}
		if snap.Safety.EStop {
			return rejected(ReasonSafetyInterlock, "emergency stop is active")
		}
		if !snap.Safety.MotionAllowed {
			return rejected(ReasonSafetyInterlock, "motion is not allowed by the safety chain")
		}
	}

	switch cmd.Op {
	case OpSetJog:
		return b.execSetJog(snap, cmd)
	case OpStopAllJog:
		return b.execStopAllJog()
	case OpSetJogVelocity:
		return b.execSetJogVelocity(cmd.Value)
	case OpStart:
		return b.execStart(snap)
	case OpStop:
		return b.execPulse("stop requested", memmap.BlockControl,
			memmap.CtrlCommandByte, memmap.BitStop, b.cfg.Motion.PulseWidth)
	case OpHome:
		return b.execHome(snap)
	case OpReset:
		return b.execPulse("alarm reset pulsed", memmap.BlockControl,
			memmap.CtrlCommandByte, memmap.BitReset, b.cfg.Motion.ResetPulseWidth)
	case OpEnableServo:
		return b.execServoEnable(snap, true)
	case OpDisableServo:
		return b.execServoEnable(snap, false)
	case OpLockClamp:
		return b.execLockClamp(cmd.Clamp)
	case OpUnlockAll:
		return b.execUnlockAll()
	case OpSetMode:
		return b.execSetMode(snap, cmd.Remote)
	case OpSetStepDistance:
		return b.execSetStepDistance(cmd.Value)
	case OpStep:
		return b.execStep(snap, cmd.Direction)
	case OpTare:
		return b.execPulse("load cell tared", memmap.BlockResults,
			memmap.ResTareByte, memmap.BitTareCommand, b.cfg.Motion.PulseWidth)
	case OpZeroPosition:
		return b.execPulse("position zeroed", memmap.BlockHMI,
			memmap.HMICommandByte2, memmap.BitZeroPosition, b.cfg.Motion.PulseWidth)
	case OpSetParameters:
		return b.execSetParameters(snap, cmd.Params)
	default:
		return rejected(ReasonWriteFailed, fmt.Sprintf("unknown command %d", int(cmd.Op)))
	}
}

// motionCommand reports whether the command initiates machine motion and is
// therefore subject to the remote-mode and safety gates. Releasing a jog
// button is never a motion command: it must work in any mode so a held axis
// can always be stopped. Clamp and servo-power commands only need the link,
// not remote mode; clamps in particular must release in any state so an
// operator can free a pipe.
func motionCommand(cmd Command) bool {
	switch cmd.Op {
	case OpSetJog:
		return cmd.Pressed
	case OpStart, OpHome, OpStep:
		return true
	}
	return false
}

// rmw performs a read-modify-write of a single byte so co-located bits
// survive the write.
func (b *Bridge) rmw(block, offset int, fn func(byte) byte) error {
	buf, err := b.tr.ReadBlock(block, offset, 1)
	if err != nil {
		return err
	}
	return b.tr.WriteBlock(block, offset, []byte{fn(buf[0])})
}

// writeOutcome converts a transport error into a rejection, noting a
// connection loss with the supervisor so the fail-safe fires on reconnect.
func (b *Bridge) writeOutcome(err error, msg string) Outcome {
	if err == nil {
		return accepted(msg)
	}
	logging.DebugLog("bridge", "write failed: %v", err)
	if s7.IsConnectionError(err) {
		b.sup.noteDisconnect()
		return rejected(ReasonDisconnected, "connection lost during write")
	}
	return rejected(ReasonWriteFailed, err.Error())
}

func (b *Bridge) execSetJog(snap *Snapshot, cmd Command) Outcome {
	dirBit, oppBit := uint(memmap.BitJogForward), uint(memmap.BitJogBackward)
	if cmd.Direction == DirBackward {
		dirBit, oppBit = oppBit, dirBit
	}

	if cmd.Pressed {
		if snap.Step.Active {
			return rejected(ReasonSafetyInterlock, "step movement in progress")
		}
		// One write engages the requested direction and releases the
		// opposite one, so both jog bits can never be set in the same
		// written byte.
		err := b.rmw(memmap.BlockControl, memmap.CtrlCommandByte, func(v byte) byte {
			v = memmap.SetBit(v, oppBit, false)
			return memmap.SetBit(v, dirBit, true)
		})
		out := b.writeOutcome(err, fmt.Sprintf("jog %s engaged", cmd.Direction))
		if out.Accepted {
			b.sup.noteJog(cmd.Direction, true)
		}
		return out
	}

	err := b.rmw(memmap.BlockControl, memmap.CtrlCommandByte, func(v byte) byte {
		return memmap.SetBit(v, dirBit, false)
	})
	out := b.writeOutcome(err, fmt.Sprintf("jog %s released", cmd.Direction))
	if out.Accepted {
		b.sup.noteJog(cmd.Direction, false)
	}
	return out
}

func (b *Bridge) execStopAllJog() Outcome {
	out := b.writeOutcome(b.clearMotionBits(), "all jog and step bits cleared")
	if out.Accepted {
		b.sup.noteStopAll()
	}
	return out
}

// clearMotionBits clears the jog bits and the step direction bits.
func (b *Bridge) clearMotionBits() error {
	err := b.rmw(memmap.BlockControl, memmap.CtrlCommandByte, func(v byte) byte {
		v = memmap.SetBit(v, memmap.BitJogForward, false)
		return memmap.SetBit(v, memmap.BitJogBackward, false)
	})
	if err != nil {
		return err
	}
	return b.rmw(memmap.BlockControl, memmap.CtrlStepByte, func(v byte) byte {
		v = memmap.SetBit(v, memmap.BitStepForward, false)
		return memmap.SetBit(v, memmap.BitStepBackward, false)
	})
}

// failSafeClear drops every command bit this bridge writes into the control
// block. Beyond the jog and step bits it covers the pulsed commands (start,
// stop, reset, home), whose scheduled falling edges are lost while the link
// is down and would otherwise stay latched on the PLC across the reconnect.
func (b *Bridge) failSafeClear() error {
	err := b.rmw(memmap.BlockControl, memmap.CtrlCommandByte, func(v byte) byte {
		for _, bit := range []uint{
			memmap.BitJogForward, memmap.BitJogBackward,
			memmap.BitStartTest, memmap.BitStop,
			memmap.BitReset, memmap.BitHome,
		} {
			v = memmap.SetBit(v, bit, false)
		}
		return v
	})
	if err != nil {
		return err
	}
	return b.rmw(memmap.BlockControl, memmap.CtrlStepByte, func(v byte) byte {
		v = memmap.SetBit(v, memmap.BitStepForward, false)
		return memmap.SetBit(v, memmap.BitStepBackward, false)
	})
}

func (b *Bridge) execSetJogVelocity(v float64) Outcome {
	min, max := b.cfg.Motion.JogVelocityMin, b.cfg.Motion.JogVelocityMax
	clamped := v
	if clamped < min {
		clamped = min
	} else if clamped > max {
		clamped = max
	}

	err := b.tr.WriteBlock(memmap.BlockControl, memmap.CtrlJogVelocitySP,
		memmap.EncodeReal(float32(clamped)))
	msg := fmt.Sprintf("jog velocity set to %g mm/min", clamped)
	if clamped != v {
		msg = fmt.Sprintf("jog velocity clamped from %g to %g mm/min", v, clamped)
	}
	return b.writeOutcome(err, msg)
}

func (b *Bridge) execStart(snap *Snapshot) Outcome {
	if snap.Test.Stage.MotionActive() {
		return rejected(ReasonSafetyInterlock, "a test is already in progress")
	}
	if !snap.Servo.Enabled {
		return rejected(ReasonSafetyInterlock, "servo is not enabled")
	}
	return b.execPulse("test started", memmap.BlockControl,
		memmap.CtrlCommandByte, memmap.BitStartTest, b.cfg.Motion.PulseWidth)
}

func (b *Bridge) execHome(snap *Snapshot) Outcome {
	if snap.Test.Stage.MotionActive() {
		return rejected(ReasonSafetyInterlock, "a test is in progress")
	}
	if b.sup.jogHeld() {
		return rejected(ReasonSafetyInterlock, "jog is active")
	}
	return b.execPulse("homing started", memmap.BlockControl,
		memmap.CtrlCommandByte, memmap.BitHome, b.cfg.Motion.PulseWidth)
}

// execPulse sets a command bit and schedules its clear. The rising edge is
// written synchronously; the falling edge goes through the command channel
// after the pulse width elapses.
func (b *Bridge) execPulse(msg string, block, byteOff int, bit uint, width time.Duration) Outcome {
	err := b.rmw(block, byteOff, func(v byte) byte {
		return memmap.SetBit(v, bit, true)
	})
	out := b.writeOutcome(err, msg)
	if out.Accepted {
		b.schedulePulseClear(width, block, byteOff, bit)
	}
	return out
}

func (b *Bridge) execServoEnable(snap *Snapshot, on bool) Outcome {
	if on && snap.Safety.EStop {
		return rejected(ReasonSafetyInterlock, "emergency stop is active")
	}
	err := b.rmw(memmap.BlockControl, memmap.CtrlCommandByte, func(v byte) byte {
		if !on {
			// Dropping servo power with a jog bit latched would restart
			// motion the instant the servo is re-enabled.
			v = memmap.SetBit(v, memmap.BitJogForward, false)
			v = memmap.SetBit(v, memmap.BitJogBackward, false)
		}
		return memmap.SetBit(v, memmap.BitEnable, on)
	})
	if on {
		return b.writeOutcome(err, "servo enabled")
	}
	out := b.writeOutcome(err, "servo disabled")
	if out.Accepted {
		b.sup.noteStopAll()
	}
	return out
}

func (b *Bridge) execLockClamp(c Clamp) Outcome {
	bit := uint(memmap.BitLockUpper)
	if c == ClampLower {
		bit = memmap.BitLockLower
	}
	err := b.rmw(memmap.BlockControl, memmap.CtrlClampByte, func(v byte) byte {
		return memmap.SetBit(v, bit, true)
	})
	return b.writeOutcome(err, fmt.Sprintf("%s clamp locked", c))
}

func (b *Bridge) execUnlockAll() Outcome {
	err := b.rmw(memmap.BlockControl, memmap.CtrlClampByte, func(v byte) byte {
		v = memmap.SetBit(v, memmap.BitLockUpper, false)
		return memmap.SetBit(v, memmap.BitLockLower, false)
	})
	return b.writeOutcome(err, "all clamps unlocked")
}

func (b *Bridge) execSetMode(snap *Snapshot, remote bool) Outcome {
	if snap.Mode.Remote == remote {
		if remote {
			return accepted("already in remote mode")
		}
		return accepted("already in local mode")
	}
	if snap.Test.Stage.MotionActive() {
		return rejected(ReasonModeLocked, "mode is locked while a test is running")
	}
	if b.sup.jogHeld() {
		return rejected(ReasonModeLocked, "mode is locked while jog is held")
	}
	if !snap.Mode.CanChange {
		return rejected(ReasonModeLocked, "controller refuses mode change")
	}

	err := b.rmw(memmap.BlockControl, memmap.CtrlModeByte, func(v byte) byte {
		return memmap.SetBit(v, memmap.BitRemoteMode, remote)
	})
	if remote {
		return b.writeOutcome(err, "remote mode selected")
	}
	return b.writeOutcome(err, "local mode selected")
}

func (b *Bridge) execSetStepDistance(v float64) Outcome {
	min, max := b.cfg.Motion.StepDistanceMin, b.cfg.Motion.StepDistanceMax
	if v < min || v > max {
		return rejected(ReasonOutOfRange,
			fmt.Sprintf("step distance %g mm outside %g-%g mm", v, min, max))
	}
	err := b.tr.WriteBlock(memmap.BlockControl, memmap.CtrlStepDistance,
		memmap.EncodeReal(float32(v)))
	return b.writeOutcome(err, fmt.Sprintf("step distance set to %g mm", v))
}

func (b *Bridge) execStep(snap *Snapshot, d Direction) Outcome {
	if snap.Step.Active {
		return rejected(ReasonSafetyInterlock, "step movement already in progress")
	}
	if b.sup.jogHeld() {
		return rejected(ReasonSafetyInterlock, "jog is active")
	}
	if snap.Step.Distance <= 0 {
		return rejected(ReasonOutOfRange, "step distance is not set")
	}

	dirBit, oppBit := uint(memmap.BitStepForward), uint(memmap.BitStepBackward)
	if d == DirBackward {
		dirBit, oppBit = oppBit, dirBit
	}
	err := b.rmw(memmap.BlockControl, memmap.CtrlStepByte, func(v byte) byte {
		v = memmap.SetBit(v, oppBit, false)
		return memmap.SetBit(v, dirBit, true)
	})
	out := b.writeOutcome(err, fmt.Sprintf("step %s started", d))
	if out.Accepted {
		b.schedulePulseClear(b.cfg.Motion.PulseWidth,
			memmap.BlockControl, memmap.CtrlStepByte, dirBit)
	}
	return out
}

func (b *Bridge) execSetParameters(snap *Snapshot, p *Parameters) Outcome {
	if p == nil {
		return rejected(ReasonOutOfRange, "no parameters given")
	}
	if snap.Test.Stage.MotionActive() {
		return rejected(ReasonSafetyInterlock, "cannot change parameters during a test")
	}

	buf, err := b.tr.ReadBlock(memmap.BlockParams, 0, memmap.ParamsReadLen)
	if err != nil {
		return b.writeOutcome(err, "")
	}

	set := func(offset int, v *float64) error {
		if v == nil {
			return nil
		}
		if *v <= 0 {
			return fmt.Errorf("value %g must be positive", *v)
		}
		memmap.PutReal(buf, offset, float32(*v))
		return nil
	}
	if p.DeflectionPercent != nil && *p.DeflectionPercent > 100 {
		return rejected(ReasonOutOfRange,
			fmt.Sprintf("deflection %g%% exceeds 100%%", *p.DeflectionPercent))
	}
	for _, f := range []struct {
		offset int
		value  *float64
	}{
		{memmap.ParamPipeDiameter, p.PipeDiameter},
		{memmap.ParamPipeLength, p.PipeLength},
		{memmap.ParamDeflectionPercent, p.DeflectionPercent},
		{memmap.ParamTestSpeed, p.TestSpeed},
		{memmap.ParamMaxForce, p.MaxForce},
		{memmap.ParamPreloadForce, p.PreloadForce},
	} {
		if err := set(f.offset, f.value); err != nil {
			return rejected(ReasonOutOfRange, err.Error())
		}
	}

	// Deflection target is derived, never set directly: percent of pipe
	// diameter, recomputed whenever either input changes.
	diameter := memmap.Real(buf, memmap.ParamPipeDiameter)
	percent := memmap.Real(buf, memmap.ParamDeflectionPercent)
	memmap.PutReal(buf, memmap.ParamDeflectionTarget, diameter*percent/100)

	err = b.tr.WriteBlock(memmap.BlockParams, 0, buf)
	return b.writeOutcome(err, "parameters updated")
}

func (b *Bridge) clearBits(cmd Command) Outcome {
	if !b.tr.IsConnected() {
		b.deferClear(cmd)
		return rejected(ReasonDisconnected, "PLC is not connected")
	}
	err := b.rmw(cmd.clearBlock, cmd.clearByte, func(v byte) byte {
		for _, bit := range cmd.clearBits {
			v = memmap.SetBit(v, bit, false)
		}
		return v
	})
	if err != nil {
		logging.DebugLog("bridge", "pulse clear DB%d.%d failed: %v",
			cmd.clearBlock, cmd.clearByte, err)
		if s7.IsConnectionError(err) {
			b.sup.noteDisconnect()
			b.deferClear(cmd)
			return rejected(ReasonDisconnected, err.Error())
		}
		return rejected(ReasonWriteFailed, err.Error())
	}
	return accepted("cleared")
}

// deferClear holds a falling edge that could not be written for the
// post-reconnect fail-safe pass. Without it the pulse bit would stay latched
// on the PLC: the AfterFunc only fires once, so a clear rejected while the
// link is down is otherwise gone for good.
func (b *Bridge) deferClear(cmd Command) {
	b.pendingClears = append(b.pendingClears, cmd)
	b.sup.failSafe = true
}

// flushPendingClears replays deferred falling edges after a reconnect. The
// control block bits are already covered by failSafeClear; this picks up
// pulses in the other blocks (tare, zero position).
func (b *Bridge) flushPendingClears() error {
	for len(b.pendingClears) > 0 {
		cmd := b.pendingClears[0]
		err := b.rmw(cmd.clearBlock, cmd.clearByte, func(v byte) byte {
			for _, bit := range cmd.clearBits {
				v = memmap.SetBit(v, bit, false)
			}
			return v
		})
		if err != nil {
			return err
		}
		b.pendingClears = b.pendingClears[1:]
	}
	b.pendingClears = nil
	return nil
}
