package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ringbridge/bridge"
	"ringbridge/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The panel UI is served from another origin on the shop network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsInbound is a command message from a websocket client. Only the
// hold-to-run commands travel over the socket; everything else uses REST.
type wsInbound struct {
	Type      string  `json:"type"` // "jog", "jog_velocity", "stop_all_jog"
	Direction string  `json:"direction,omitempty"`
	Pressed   bool    `json:"pressed,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// wsOutbound wraps every message sent to a websocket client.
type wsOutbound struct {
	Type string      `json:"type"` // "snapshot", "result", "error"
	Data interface{} `json:"data"`
}

// wsClient serializes writes: the read pump sends command results while the
// write pump streams snapshots, and gorilla allows only one writer at a time.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg wsOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket streams snapshots to the client and accepts jog commands
// from it. A client that vanishes while holding a jog button gets its axes
// stopped: the read pump submits a stop-all on the way out whenever a jog
// press was not matched by a release.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.DebugLog("api-ws", "upgrade failed: %v", err)
		return
	}

	logging.DebugLog("api-ws", "client %s connected", conn.RemoteAddr())

	client := &wsClient{conn: conn}
	sub := s.bridge.Hub().Subscribe()
	done := make(chan struct{})

	go s.wsWritePump(client, sub, done)
	s.wsReadPump(client)

	close(done)
	s.bridge.Hub().Unsubscribe(sub)
	conn.Close()
	logging.DebugLog("api-ws", "client %s disconnected", conn.RemoteAddr())
}

func (s *Server) wsReadPump(client *wsClient) {
	conn := client.conn
	jogHeld := false
	defer func() {
		if jogHeld {
			// The release event died with the connection.
			out := s.bridge.Submit(bridge.Command{Op: bridge.OpStopAllJog})
			logging.DebugLog("api-ws", "client %s dropped mid-jog, stop-all: %+v",
				conn.RemoteAddr(), out)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			client.send(wsOutbound{Type: "error", Data: "invalid JSON"})
			continue
		}

		var out bridge.Outcome
		switch msg.Type {
		case "jog":
			var dir bridge.Direction
			switch msg.Direction {
			case "forward", "down":
				dir = bridge.DirForward
			case "backward", "up":
				dir = bridge.DirBackward
			default:
				client.send(wsOutbound{Type: "error", Data: "bad direction"})
				continue
			}
			out = s.bridge.Submit(bridge.Command{
				Op:        bridge.OpSetJog,
				Direction: dir,
				Pressed:   msg.Pressed,
			})
			if out.Accepted {
				jogHeld = msg.Pressed
			}
		case "jog_velocity":
			out = s.bridge.Submit(bridge.Command{
				Op:    bridge.OpSetJogVelocity,
				Value: msg.Value,
			})
		case "stop_all_jog":
			out = s.bridge.Submit(bridge.Command{Op: bridge.OpStopAllJog})
			if out.Accepted {
				jogHeld = false
			}
		default:
			client.send(wsOutbound{Type: "error", Data: "unknown message type"})
			continue
		}

		client.send(wsOutbound{Type: "result", Data: out})
	}
}

func (s *Server) wsWritePump(client *wsClient, sub chan *bridge.Snapshot, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if snap := s.bridge.Latest(); snap != nil {
		client.send(wsOutbound{Type: "snapshot", Data: snap})
	}

	for {
		select {
		case <-done:
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			if err := client.send(wsOutbound{Type: "snapshot", Data: snap}); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		}
	}
}

