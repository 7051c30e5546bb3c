package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ringbridge/config"
	"ringbridge/memmap"
)

// fakeTransport is an in-memory PLC: a map of data blocks plus switches to
// simulate connection loss.
type fakeTransport struct {
	mu            sync.Mutex
	blocks        map[int][]byte
	connected     bool
	failConnect   bool
	nextReadErr   error
	shortNextRead bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		blocks: map[int][]byte{
			memmap.BlockParams:  make([]byte, memmap.ParamsReadLen),
			memmap.BlockResults: make([]byte, memmap.ResultsReadLen),
			memmap.BlockControl: make([]byte, memmap.ControlReadLen),
			memmap.BlockHMI:     make([]byte, 64),
		},
		connected: true,
	}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return errors.New("dial tcp: connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) TryReconnect() error { return f.Connect() }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) ConnectionMode() string { return "fake" }

func (f *fakeTransport) SetDisconnected() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) ReadBlock(db, offset, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextReadErr != nil {
		err := f.nextReadErr
		f.nextReadErr = nil
		f.connected = false
		return nil, err
	}
	if !f.connected {
		return nil, errors.New("not connected")
	}
	block, ok := f.blocks[db]
	if !ok || offset+size > len(block) {
		return nil, fmt.Errorf("DB%d.%d len %d out of range", db, offset, size)
	}
	if f.shortNextRead {
		f.shortNextRead = false
		buf := make([]byte, size-1)
		copy(buf, block[offset:offset+size-1])
		return buf, nil
	}
	buf := make([]byte, size)
	copy(buf, block[offset:offset+size])
	return buf, nil
}

func (f *fakeTransport) WriteBlock(db, offset int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	block, ok := f.blocks[db]
	if !ok || offset+len(data) > len(block) {
		return fmt.Errorf("DB%d.%d len %d out of range", db, offset, len(data))
	}
	copy(block[offset:], data)
	return nil
}

func (f *fakeTransport) setByte(db, offset int, v byte) {
	f.mu.Lock()
	f.blocks[db][offset] = v
	f.mu.Unlock()
}

func (f *fakeTransport) getByte(db, offset int) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[db][offset]
}

func (f *fakeTransport) setReal(db, offset int, v float32) {
	f.mu.Lock()
	memmap.PutReal(f.blocks[db], offset, v)
	f.mu.Unlock()
}

func (f *fakeTransport) getReal(db, offset int) float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return memmap.Real(f.blocks[db], offset)
}

func (f *fakeTransport) setInt16(db, offset int, v int16) {
	f.mu.Lock()
	memmap.PutInt16(f.blocks[db], offset, v)
	f.mu.Unlock()
}

// remoteAndSafe puts the fake PLC in remote mode with the safety chain
// healthy and mode changes allowed.
func (f *fakeTransport) remoteAndSafe() {
	mode := byte(0)
	mode = memmap.SetBit(mode, memmap.BitRemoteMode, true)
	mode = memmap.SetBit(mode, memmap.BitSafetyOK, true)
	mode = memmap.SetBit(mode, memmap.BitMotionAllowed, true)
	f.setByte(memmap.BlockControl, memmap.CtrlModeByte, mode)
	f.setByte(memmap.BlockControl, memmap.CtrlModeChangeByte,
		memmap.SetBit(0, memmap.BitModeChangeOK, true))
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.PollRate = 10 * time.Millisecond
	cfg.Motion.PulseWidth = 20 * time.Millisecond
	cfg.Motion.ResetPulseWidth = 20 * time.Millisecond
	ft := newFakeTransport()
	return New(cfg, ft, nil), ft
}

func TestPollPublishesSnapshot(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	ft.setReal(memmap.BlockResults, memmap.ResActualForce, 1234.5)
	ft.setReal(memmap.BlockResults, memmap.ResRingStiffness, 8.7)
	ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StageTesting))
	ft.setReal(memmap.BlockParams, memmap.ParamPipeDiameter, 315)

	b.poll()

	snap := b.Latest()
	if snap == nil {
		t.Fatal("no snapshot after poll")
	}
	if !snap.Connected {
		t.Error("snapshot not marked connected")
	}
	if snap.Seq != 1 {
		t.Errorf("Seq = %d, want 1", snap.Seq)
	}
	if snap.Force.N != 1234.5 {
		t.Errorf("Force.N = %v, want 1234.5", snap.Force.N)
	}
	if snap.Results.RingStiffness != 8.7 {
		t.Errorf("RingStiffness = %v, want 8.7", snap.Results.RingStiffness)
	}
	if snap.Test.Stage != StageTesting {
		t.Errorf("Stage = %v, want testing", snap.Test.Stage)
	}
	if snap.Test.Progress != StageTesting.Progress() {
		t.Errorf("Progress = %d, want %d", snap.Test.Progress, StageTesting.Progress())
	}
	if snap.Parameters.PipeDiameter != 315 {
		t.Errorf("PipeDiameter = %v, want 315", snap.Parameters.PipeDiameter)
	}
	if !snap.Mode.Remote {
		t.Error("Mode.Remote = false, want true")
	}
}

func TestPollWhileDisconnectedPublishesSentinel(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.connected = false
	ft.failConnect = true

	b.poll()

	snap := b.Latest()
	if snap == nil {
		t.Fatal("no snapshot")
	}
	if snap.Connected {
		t.Error("snapshot marked connected")
	}
	if snap.Test.Status != -1 {
		t.Errorf("Test.Status = %d, want -1", snap.Test.Status)
	}
	if snap.Force.N != 0 || snap.Position.Actual != 0 {
		t.Error("motion fields not zeroed in disconnected snapshot")
	}
}

func TestCommandsRejectedWhenDisconnected(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.connected = false
	ft.failConnect = true
	b.poll()

	for _, cmd := range []Command{
		{Op: OpSetJog, Direction: DirForward, Pressed: true},
		{Op: OpStart},
		{Op: OpStop},
		{Op: OpSetMode, Remote: true},
		{Op: OpTare},
	} {
		out := b.execute(cmd)
		if out.Accepted || out.Reason != ReasonDisconnected {
			t.Errorf("%s: got %+v, want disconnected rejection", cmd, out)
		}
	}
}

func TestJogMutualExclusion(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()

	out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true})
	if !out.Accepted {
		t.Fatalf("jog forward rejected: %+v", out)
	}
	cmd := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if !memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward) {
		t.Fatal("forward bit not set")
	}

	out = b.execute(Command{Op: OpSetJog, Direction: DirBackward, Pressed: true})
	if !out.Accepted {
		t.Fatalf("jog backward rejected: %+v", out)
	}
	cmd = ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward) {
		t.Error("forward bit still set after backward engaged")
	}
	if !memmap.Bit([]byte{cmd}, 0, memmap.BitJogBackward) {
		t.Error("backward bit not set")
	}
}

func TestJogPreservesNeighborBits(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	// Servo enable and the PLC-owned ready bit must survive the jog write.
	start := memmap.SetBit(0, memmap.BitEnable, true)
	start = memmap.SetBit(start, memmap.BitServoReady, true)
	ft.setByte(memmap.BlockControl, memmap.CtrlCommandByte, start)
	b.poll()

	if out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true}); !out.Accepted {
		t.Fatalf("jog rejected: %+v", out)
	}
	got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	want := memmap.SetBit(start, memmap.BitJogForward, true)
	if got != want {
		t.Errorf("command byte = 0b%08b, want 0b%08b", got, want)
	}
}

func TestJogRequiresRemoteMode(t *testing.T) {
	b, ft := newTestBridge(t)
	// Local mode, safety healthy.
	mode := memmap.SetBit(0, memmap.BitSafetyOK, true)
	mode = memmap.SetBit(mode, memmap.BitMotionAllowed, true)
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte, mode)
	b.poll()

	out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true})
	if out.Accepted || out.Reason != ReasonModeDenied {
		t.Errorf("got %+v, want mode_denied", out)
	}
}

func TestJogReleaseAllowedInLocalMode(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()
	if out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true}); !out.Accepted {
		t.Fatalf("press rejected: %+v", out)
	}

	// Machine falls back to local mode while the button is held.
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte,
		memmap.SetBit(ft.getByte(memmap.BlockControl, memmap.CtrlModeByte), memmap.BitRemoteMode, false))
	b.poll()

	out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: false})
	if !out.Accepted {
		t.Fatalf("release rejected in local mode: %+v", out)
	}
	cmd := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward) {
		t.Error("forward bit still set after release")
	}
}

func TestModeDeniedBeforeSafetyInterlock(t *testing.T) {
	b, ft := newTestBridge(t)
	// Local mode AND e-stop: the mode rejection must win.
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte,
		memmap.SetBit(0, memmap.BitEStop, true))
	b.poll()

	out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true})
	if out.Accepted || out.Reason != ReasonModeDenied {
		t.Errorf("got %+v, want mode_denied first", out)
	}
}

func TestMotionRejectedOnEStop(t *testing.T) {
	b, ft := newTestBridge(t)
	mode := memmap.SetBit(0, memmap.BitRemoteMode, true)
	mode = memmap.SetBit(mode, memmap.BitEStop, true)
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte, mode)
	b.poll()

	for _, cmd := range []Command{
		{Op: OpSetJog, Direction: DirForward, Pressed: true},
		{Op: OpStart},
		{Op: OpHome},
		{Op: OpStep, Direction: DirForward},
	} {
		out := b.execute(cmd)
		if out.Accepted || out.Reason != ReasonSafetyInterlock {
			t.Errorf("%s: got %+v, want safety_interlock", cmd, out)
		}
	}
}

func TestStopAllowedDespiteEStopAndLocalMode(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte,
		memmap.SetBit(0, memmap.BitEStop, true))
	b.poll()

	if out := b.execute(Command{Op: OpStop}); !out.Accepted {
		t.Errorf("stop rejected: %+v", out)
	}
	if out := b.execute(Command{Op: OpStopAllJog}); !out.Accepted {
		t.Errorf("stop-all-jog rejected: %+v", out)
	}
}

func TestJogVelocityClamped(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()

	tests := []struct {
		in   float64
		want float32
	}{
		{10000, float32(b.cfg.Motion.JogVelocityMax)},
		{0.5, float32(b.cfg.Motion.JogVelocityMin)},
		{-5, float32(b.cfg.Motion.JogVelocityMin)},
		{300, 300},
	}
	for _, tt := range tests {
		out := b.execute(Command{Op: OpSetJogVelocity, Value: tt.in})
		if !out.Accepted {
			t.Fatalf("SetJogVelocity(%g) rejected: %+v", tt.in, out)
		}
		if got := ft.getReal(memmap.BlockControl, memmap.CtrlJogVelocitySP); got != tt.want {
			t.Errorf("SetJogVelocity(%g): wrote %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStepDistanceOutOfRangeRejected(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()

	for _, v := range []float64{0, -1, 0.05, 150} {
		out := b.execute(Command{Op: OpSetStepDistance, Value: v})
		if out.Accepted || out.Reason != ReasonOutOfRange {
			t.Errorf("SetStepDistance(%g): got %+v, want out_of_range", v, out)
		}
	}

	if out := b.execute(Command{Op: OpSetStepDistance, Value: 2.5}); !out.Accepted {
		t.Fatalf("SetStepDistance(2.5) rejected: %+v", out)
	}
	if got := ft.getReal(memmap.BlockControl, memmap.CtrlStepDistance); got != 2.5 {
		t.Errorf("wrote %v, want 2.5", got)
	}
}

func TestStepRejectedWhileStepActive(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	ft.setReal(memmap.BlockControl, memmap.CtrlStepDistance, 5)
	ft.setByte(memmap.BlockControl, memmap.CtrlStepByte,
		memmap.SetBit(0, memmap.BitStepActive, true))
	b.poll()

	out := b.execute(Command{Op: OpStep, Direction: DirForward})
	if out.Accepted || out.Reason != ReasonSafetyInterlock {
		t.Errorf("got %+v, want safety_interlock", out)
	}
}

func TestModeLocked(t *testing.T) {
	t.Run("during test", func(t *testing.T) {
		b, ft := newTestBridge(t)
		ft.remoteAndSafe()
		ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StageTesting))
		b.poll()

		out := b.execute(Command{Op: OpSetMode, Remote: false})
		if out.Accepted || out.Reason != ReasonModeLocked {
			t.Errorf("got %+v, want mode_locked", out)
		}
	})

	t.Run("while jog held", func(t *testing.T) {
		b, ft := newTestBridge(t)
		ft.remoteAndSafe()
		b.poll()
		if out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true}); !out.Accepted {
			t.Fatalf("jog rejected: %+v", out)
		}

		out := b.execute(Command{Op: OpSetMode, Remote: false})
		if out.Accepted || out.Reason != ReasonModeLocked {
			t.Errorf("got %+v, want mode_locked", out)
		}
	})

	t.Run("controller refuses", func(t *testing.T) {
		b, ft := newTestBridge(t)
		ft.remoteAndSafe()
		ft.setByte(memmap.BlockControl, memmap.CtrlModeChangeByte, 0)
		b.poll()

		out := b.execute(Command{Op: OpSetMode, Remote: false})
		if out.Accepted || out.Reason != ReasonModeLocked {
			t.Errorf("got %+v, want mode_locked", out)
		}
	})

	t.Run("allowed when idle", func(t *testing.T) {
		b, ft := newTestBridge(t)
		ft.remoteAndSafe()
		b.poll()

		out := b.execute(Command{Op: OpSetMode, Remote: false})
		if !out.Accepted {
			t.Fatalf("got %+v, want accepted", out)
		}
		mode := ft.getByte(memmap.BlockControl, memmap.CtrlModeByte)
		if memmap.Bit([]byte{mode}, 0, memmap.BitRemoteMode) {
			t.Error("remote bit still set")
		}
		// Safety status bits in the same byte must survive.
		if !memmap.Bit([]byte{mode}, 0, memmap.BitSafetyOK) {
			t.Error("safety-ok bit lost in mode write")
		}
	})
}

func TestClampLockPreservesOtherClamp(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	ft.setByte(memmap.BlockControl, memmap.CtrlClampByte,
		memmap.SetBit(0, memmap.BitLockLower, true))
	b.poll()

	if out := b.execute(Command{Op: OpLockClamp, Clamp: ClampUpper}); !out.Accepted {
		t.Fatalf("lock rejected: %+v", out)
	}
	got := ft.getByte(memmap.BlockControl, memmap.CtrlClampByte)
	if got != 0b11 {
		t.Errorf("clamp byte = 0b%08b, want 0b00000011", got)
	}

	if out := b.execute(Command{Op: OpUnlockAll}); !out.Accepted {
		t.Fatalf("unlock rejected: %+v", out)
	}
	if got := ft.getByte(memmap.BlockControl, memmap.CtrlClampByte); got != 0 {
		t.Errorf("clamp byte after unlock = 0b%08b, want 0", got)
	}
}

func TestFailSafeClearsMotionBitsOnReconnect(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()
	if out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true}); !out.Accepted {
		t.Fatalf("jog rejected: %+v", out)
	}

	// Link dies mid-jog; the release event is lost.
	ft.mu.Lock()
	ft.nextReadErr = errors.New("read tcp: connection reset by peer")
	ft.mu.Unlock()
	b.poll()

	if snap := b.Latest(); snap.Connected {
		t.Fatal("snapshot still connected after read failure")
	}
	if !b.sup.failSafe {
		t.Fatal("fail-safe not armed after disconnect with jog held")
	}

	// Bits are still latched on the PLC side from before the drop.
	if got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte); !memmap.Bit([]byte{got}, 0, memmap.BitJogForward) {
		t.Fatal("precondition: jog bit should be latched")
	}

	b.poll() // reconnects and clears

	got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if memmap.Bit([]byte{got}, 0, memmap.BitJogForward) || memmap.Bit([]byte{got}, 0, memmap.BitJogBackward) {
		t.Errorf("jog bits not cleared after reconnect: 0b%08b", got)
	}
	step := ft.getByte(memmap.BlockControl, memmap.CtrlStepByte)
	if memmap.Bit([]byte{step}, 0, memmap.BitStepForward) || memmap.Bit([]byte{step}, 0, memmap.BitStepBackward) {
		t.Errorf("step bits not cleared after reconnect: 0b%08b", step)
	}
	if b.sup.failSafe {
		t.Error("fail-safe still armed after clear")
	}
	if snap := b.Latest(); !snap.Connected {
		t.Error("snapshot not connected after reconnect poll")
	}
}

func TestLatchedPulseBitsClearedAfterReconnect(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	enabled := memmap.SetBit(0, memmap.BitEnable, true)
	ft.setByte(memmap.BlockControl, memmap.CtrlCommandByte, enabled)
	b.poll()

	if out := b.execute(Command{Op: OpHome}); !out.Accepted {
		t.Fatalf("home rejected: %+v", out)
	}
	if out := b.execute(Command{Op: OpTare}); !out.Accepted {
		t.Fatalf("tare rejected: %+v", out)
	}

	// Link dies before either falling edge is written.
	ft.mu.Lock()
	ft.nextReadErr = errors.New("read tcp: connection reset by peer")
	ft.mu.Unlock()
	b.poll()

	// The scheduled clears arrive while the link is down and are rejected;
	// they must be held for the reconnect pass, not dropped.
	for _, cmd := range []Command{
		{Op: opClearBits, clearBlock: memmap.BlockControl,
			clearByte: memmap.CtrlCommandByte, clearBits: []uint{memmap.BitHome}},
		{Op: opClearBits, clearBlock: memmap.BlockResults,
			clearByte: memmap.ResTareByte, clearBits: []uint{memmap.BitTareCommand}},
	} {
		out := b.execute(cmd)
		if out.Accepted || out.Reason != ReasonDisconnected {
			t.Fatalf("clear while down: got %+v, want disconnected rejection", out)
		}
	}

	got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if !memmap.Bit([]byte{got}, 0, memmap.BitHome) {
		t.Fatal("precondition: home bit should be latched")
	}
	if !b.sup.failSafe {
		t.Fatal("fail-safe not armed after disconnect with pulse pending")
	}

	b.poll() // reconnects and clears

	got = ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if memmap.Bit([]byte{got}, 0, memmap.BitHome) {
		t.Errorf("home bit still latched after reconnect: 0b%08b", got)
	}
	if !memmap.Bit([]byte{got}, 0, memmap.BitEnable) {
		t.Error("servo enable bit lost in fail-safe clear")
	}
	tare := ft.getByte(memmap.BlockResults, memmap.ResTareByte)
	if memmap.Bit([]byte{tare}, 0, memmap.BitTareCommand) {
		t.Errorf("tare bit still latched after reconnect: 0b%08b", tare)
	}
	if b.sup.failSafe {
		t.Error("fail-safe still armed after clear")
	}
}

func TestShortReadForcesReconnect(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()
	if snap := b.Latest(); !snap.Connected {
		t.Fatal("precondition: first poll should connect")
	}

	ft.mu.Lock()
	ft.shortNextRead = true
	ft.mu.Unlock()
	b.poll()

	if snap := b.Latest(); snap.Connected {
		t.Fatal("snapshot still connected after truncated block read")
	}
	if ft.IsConnected() {
		t.Fatal("transport not marked down after truncated block read")
	}

	b.poll()

	if snap := b.Latest(); !snap.Connected {
		t.Error("no reconnect after short read dropped the session")
	}
}

func TestClampAndServoAllowedInLocalMode(t *testing.T) {
	b, ft := newTestBridge(t)
	// Local mode, safety healthy.
	mode := memmap.SetBit(0, memmap.BitSafetyOK, true)
	mode = memmap.SetBit(mode, memmap.BitMotionAllowed, true)
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte, mode)
	b.poll()

	for _, cmd := range []Command{
		{Op: OpLockClamp, Clamp: ClampUpper},
		{Op: OpUnlockAll},
		{Op: OpEnableServo},
		{Op: OpDisableServo},
	} {
		if out := b.execute(cmd); !out.Accepted {
			t.Errorf("%s rejected in local mode: %+v", cmd, out)
		}
	}
}

func TestEStopBlocksServoEnableButNotClampRelease(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.setByte(memmap.BlockControl, memmap.CtrlModeByte,
		memmap.SetBit(0, memmap.BitEStop, true))
	ft.setByte(memmap.BlockControl, memmap.CtrlClampByte,
		memmap.SetBit(0, memmap.BitLockUpper, true))
	b.poll()

	out := b.execute(Command{Op: OpEnableServo})
	if out.Accepted || out.Reason != ReasonSafetyInterlock {
		t.Errorf("servo enable under e-stop: got %+v, want safety_interlock", out)
	}

	// The operator must be able to free a clamped pipe after an e-stop.
	if out := b.execute(Command{Op: OpUnlockAll}); !out.Accepted {
		t.Fatalf("unlock under e-stop rejected: %+v", out)
	}
	if got := ft.getByte(memmap.BlockControl, memmap.CtrlClampByte); got != 0 {
		t.Errorf("clamp byte after unlock = 0b%08b, want 0", got)
	}
}

func TestSetParametersRecomputesDeflectionTarget(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	ft.setReal(memmap.BlockParams, memmap.ParamPipeDiameter, 200)
	ft.setReal(memmap.BlockParams, memmap.ParamDeflectionPercent, 3)
	b.poll()

	diameter := 315.0
	out := b.execute(Command{Op: OpSetParameters, Params: &Parameters{PipeDiameter: &diameter}})
	if !out.Accepted {
		t.Fatalf("rejected: %+v", out)
	}
	if got := ft.getReal(memmap.BlockParams, memmap.ParamPipeDiameter); got != 315 {
		t.Errorf("diameter = %v, want 315", got)
	}
	want := float32(315) * 3 / 100
	if got := ft.getReal(memmap.BlockParams, memmap.ParamDeflectionTarget); got != want {
		t.Errorf("deflection target = %v, want %v", got, want)
	}
}

func TestSetParametersRejectedDuringTest(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StagePreloading))
	b.poll()

	v := 315.0
	out := b.execute(Command{Op: OpSetParameters, Params: &Parameters{PipeDiameter: &v}})
	if out.Accepted || out.Reason != ReasonSafetyInterlock {
		t.Errorf("got %+v, want safety_interlock", out)
	}
}

func TestPulseCommandClearsBit(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.Start()
	defer b.Stop()

	waitFor(t, "first snapshot", func() bool { return b.Latest() != nil })

	out := b.Submit(Command{Op: OpStop})
	if !out.Accepted {
		t.Fatalf("stop rejected: %+v", out)
	}
	if got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte); !memmap.Bit([]byte{got}, 0, memmap.BitStop) {
		t.Fatal("stop bit not set after accept")
	}

	waitFor(t, "stop bit clear", func() bool {
		got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
		return !memmap.Bit([]byte{got}, 0, memmap.BitStop)
	})
}

func TestDisableServoClearsJogBits(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()
	b.poll()
	if out := b.execute(Command{Op: OpEnableServo}); !out.Accepted {
		t.Fatalf("enable rejected: %+v", out)
	}
	if out := b.execute(Command{Op: OpSetJog, Direction: DirForward, Pressed: true}); !out.Accepted {
		t.Fatalf("jog rejected: %+v", out)
	}

	if out := b.execute(Command{Op: OpDisableServo}); !out.Accepted {
		t.Fatalf("disable rejected: %+v", out)
	}
	got := ft.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if memmap.Bit([]byte{got}, 0, memmap.BitEnable) {
		t.Error("enable bit still set")
	}
	if memmap.Bit([]byte{got}, 0, memmap.BitJogForward) {
		t.Error("jog bit survived servo disable")
	}
	if b.sup.jogHeld() {
		t.Error("supervisor still believes jog is held")
	}
}

func TestAlarmDerivation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ft *fakeTransport)
		want  int
	}{
		{"none", func(ft *fakeTransport) {}, AlarmNone},
		{"e-stop", func(ft *fakeTransport) {
			ft.setByte(memmap.BlockControl, memmap.CtrlModeByte,
				memmap.SetBit(0, memmap.BitEStop, true))
		}, AlarmEStop},
		{"servo error", func(ft *fakeTransport) {
			ft.setByte(memmap.BlockControl, memmap.CtrlStatusByte,
				memmap.SetBit(0, memmap.BitServoError, true))
		}, AlarmServoError},
		{"mc error", func(ft *fakeTransport) {
			ft.setByte(memmap.BlockControl, memmap.CtrlMCByte,
				memmap.SetBit(0, memmap.BitMCError, true))
		}, AlarmMCError},
		{"stage error", func(ft *fakeTransport) {
			ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StageError))
		}, AlarmStageError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, ft := newTestBridge(t)
			tt.setup(ft)
			b.poll()
			snap := b.Latest()
			if snap.Alarm.Code != tt.want {
				t.Errorf("alarm code = %d, want %d", snap.Alarm.Code, tt.want)
			}
			if snap.Alarm.Active != (tt.want != AlarmNone) {
				t.Errorf("alarm active = %v", snap.Alarm.Active)
			}
		})
	}
}

func TestTestCompletedHook(t *testing.T) {
	b, ft := newTestBridge(t)
	ft.remoteAndSafe()

	var completed []*Snapshot
	b.TestCompleted = func(s *Snapshot) { completed = append(completed, s) }

	ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StageTesting))
	b.poll()
	ft.setInt16(memmap.BlockResults, memmap.ResTestStage, int16(StageComplete))
	b.poll()
	b.poll() // no transition, must not fire again

	if len(completed) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(completed))
	}
	if completed[0].Test.Stage != StageComplete {
		t.Errorf("hook snapshot stage = %v", completed[0].Test.Stage)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
