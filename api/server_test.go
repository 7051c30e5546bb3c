package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ringbridge/bridge"
	"ringbridge/config"
	"ringbridge/memmap"
)

// memPLC is an in-memory transport for driving the bridge under test.
type memPLC struct {
	mu        sync.Mutex
	blocks    map[int][]byte
	connected bool
	offline   bool
}

func newMemPLC() *memPLC {
	return &memPLC{
		blocks: map[int][]byte{
			memmap.BlockParams:  make([]byte, memmap.ParamsReadLen),
			memmap.BlockResults: make([]byte, memmap.ResultsReadLen),
			memmap.BlockControl: make([]byte, memmap.ControlReadLen),
			memmap.BlockHMI:     make([]byte, 64),
		},
		connected: true,
	}
}

func (m *memPLC) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errors.New("dial tcp: connection refused")
	}
	m.connected = true
	return nil
}

func (m *memPLC) TryReconnect() error { return m.Connect() }

func (m *memPLC) Close() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *memPLC) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memPLC) ConnectionMode() string { return "mem" }

func (m *memPLC) SetDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *memPLC) ReadBlock(db, offset, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errors.New("not connected")
	}
	block, ok := m.blocks[db]
	if !ok || offset+size > len(block) {
		return nil, fmt.Errorf("DB%d out of range", db)
	}
	buf := make([]byte, size)
	copy(buf, block[offset:offset+size])
	return buf, nil
}

func (m *memPLC) WriteBlock(db, offset int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("not connected")
	}
	copy(m.blocks[db][offset:], data)
	return nil
}

func (m *memPLC) getByte(db, offset int) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[db][offset]
}

func (m *memPLC) remoteAndSafe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode := memmap.SetBit(0, memmap.BitRemoteMode, true)
	mode = memmap.SetBit(mode, memmap.BitSafetyOK, true)
	mode = memmap.SetBit(mode, memmap.BitMotionAllowed, true)
	m.blocks[memmap.BlockControl][memmap.CtrlModeByte] = mode
	m.blocks[memmap.BlockControl][memmap.CtrlModeChangeByte] = memmap.SetBit(0, memmap.BitModeChangeOK, true)
}

// newTestServer spins up a bridge over a memPLC and an httptest server.
func newTestServer(t *testing.T) (*httptest.Server, *memPLC) {
	t.Helper()
	cfg := config.Default()
	cfg.PollRate = 10 * time.Millisecond
	cfg.Motion.PulseWidth = 20 * time.Millisecond

	plc := newMemPLC()
	plc.remoteAndSafe()

	b := bridge.New(cfg, plc, nil)
	b.Start()
	t.Cleanup(b.Stop)

	srv := NewServer(b, &cfg.Web)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	waitCondition(t, "first snapshot", func() bool { return b.Latest() != nil })
	return ts, plc
}

func waitCondition(t *testing.T, what string, cond func() bool) {
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

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeOutcome(t *testing.T, resp *http.Response) bridge.Outcome {
	t.Helper()
	defer resp.Body.Close()
	var out bridge.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	return out
}

func TestLiveEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/live")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap bridge.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Connected {
		t.Error("snapshot not connected")
	}
	if !snap.Mode.Remote {
		t.Error("snapshot not in remote mode")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if !h.Connected {
		t.Error("health reports disconnected")
	}
	if h.Mode != "remote" {
		t.Errorf("mode = %q, want remote", h.Mode)
	}
}

func TestJogCommandWritesBit(t *testing.T) {
	ts, plc := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/command/jog", jogRequest{Direction: "forward", Pressed: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out := decodeOutcome(t, resp)
	if !out.Accepted {
		t.Fatalf("jog rejected: %+v", out)
	}

	cmd := plc.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
	if !memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward) {
		t.Error("jog forward bit not set on PLC")
	}

	resp = postJSON(t, ts.URL+"/api/command/jog", jogRequest{Direction: "forward", Pressed: false})
	if out := decodeOutcome(t, resp); !out.Accepted {
		t.Fatalf("release rejected: %+v", out)
	}
}

func TestJogBadDirection(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/command/jog", jogRequest{Direction: "sideways", Pressed: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStepDistanceOutOfRangeMapsTo422(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/step/distance", valueRequest{Value: 5000})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
	out := decodeOutcome(t, resp)
	if out.Reason != bridge.ReasonOutOfRange {
		t.Errorf("reason = %q, want out_of_range", out.Reason)
	}
}

func TestCommandWhileDisconnectedMapsTo503(t *testing.T) {
	ts, plc := newTestServer(t)

	plc.mu.Lock()
	plc.offline = true
	plc.connected = false
	plc.mu.Unlock()
	waitCondition(t, "disconnected snapshot", func() bool {
		resp, err := http.Get(ts.URL + "/api/live")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap bridge.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		return !snap.Connected
	})

	resp := postJSON(t, ts.URL+"/api/command/start", struct{}{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	out := decodeOutcome(t, resp)
	if out.Reason != bridge.ReasonDisconnected {
		t.Errorf("reason = %q, want disconnected", out.Reason)
	}
}

func TestModeLockedMapsTo409(t *testing.T) {
	ts, plc := newTestServer(t)

	// Test running on the PLC.
	plc.mu.Lock()
	memmap.PutInt16(plc.blocks[memmap.BlockResults], memmap.ResTestStage, int16(bridge.StageTesting))
	plc.mu.Unlock()
	waitCondition(t, "testing stage", func() bool {
		resp, err := http.Get(ts.URL + "/api/live")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap bridge.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		return snap.Test.Stage == bridge.StageTesting
	})

	resp := postJSON(t, ts.URL+"/api/mode", modeRequest{Remote: false})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	out := decodeOutcome(t, resp)
	if out.Reason != bridge.ReasonModeLocked {
		t.Errorf("reason = %q, want mode_locked", out.Reason)
	}
}

func TestSSEStreamsSnapshots(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	sawConnected, sawSnapshot := false, false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawConnected && sawSnapshot) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: connected") {
			sawConnected = true
		}
		if strings.HasPrefix(line, "event: snapshot") {
			sawSnapshot = true
		}
	}
	if !sawConnected || !sawSnapshot {
		t.Errorf("connected=%v snapshot=%v", sawConnected, sawSnapshot)
	}
}

func TestWebSocketJogAndDisconnectStop(t *testing.T) {
	ts, plc := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.WriteJSON(wsInbound{Type: "jog", Direction: "forward", Pressed: true}); err != nil {
		t.Fatal(err)
	}

	// Wait for the result message confirming the press; snapshot frames may
	// arrive interleaved.
	waitCondition(t, "jog bit set", func() bool {
		cmd := plc.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
		return memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward)
	})

	// Drop the socket without releasing: the server must stop all jog.
	conn.Close()

	waitCondition(t, "jog bit cleared after ws drop", func() bool {
		cmd := plc.getByte(memmap.BlockControl, memmap.CtrlCommandByte)
		return !memmap.Bit([]byte{cmd}, 0, memmap.BitJogForward)
	})
}

func TestWebSocketStreamsSnapshots(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "snapshot" {
			break
		}
	}
	var snap bridge.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.Connected {
		t.Error("streamed snapshot not connected")
	}
}
