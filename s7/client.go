// Package s7 provides the ISO-on-TCP field transport to the test machine's
// S7 PLC. It exposes raw data-block reads and writes; all interpretation of
// block contents lives in the memmap package.
package s7

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"
)

// Reconnect backoff bounds. Any read/write failure marks the client
// disconnected; TryReconnect doubles the delay up to the cap.
const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// ErrNotConnected is returned for reads and writes on a down transport.
var ErrNotConnected = errors.New("s7: not connected")

// Client is the single TCP session to the S7 PLC. It is safe for concurrent
// use, but the bridge serializes all access onto one goroutine anyway so
// that block-level read-modify-write sequences never interleave.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool

	backoff     time.Duration
	nextAttempt time.Time

	mu sync.Mutex
}

// options holds configuration options for NewClient.
type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for NewClient.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 0 for S7-1200/1500. For S7-300/400, use the slot
// where the CPU is placed (typically 2).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection and I/O timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewClient creates a client for the PLC at the given address. No connection
// is made until Connect or TryReconnect is called.
func NewClient(address string, opts ...Option) *Client {
	cfg := &options{
		rack:    0,
		slot:    0,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		address: address,
		rack:    cfg.rack,
		slot:    cfg.slot,
		timeout: cfg.timeout,
		backoff: initialBackoff,
	}
}

// Connect establishes the TCP and S7 session.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.handler != nil {
		c.handler.Close()
	}

	handler := gos7.NewTCPClientHandler(c.address, c.rack, c.slot)
	handler.Timeout = c.timeout
	handler.IdleTimeout = c.timeout

	if err := handler.Connect(); err != nil {
		c.connected = false
		return fmt.Errorf("s7 connect %s: %w", c.address, err)
	}

	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	c.backoff = initialBackoff
	c.nextAttempt = time.Time{}
	return nil
}

// Close releases the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
		c.handler = nil
	}
}

// IsConnected returns true if the session is believed to be up.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetDisconnected marks the client as disconnected. Called when a read or
// write error indicates the link is dead.
func (c *Client) SetDisconnected() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// TryReconnect attempts to re-establish the session, honoring an exponential
// backoff window so a dead PLC is not hammered on every poll tick. Returns
// nil when connected (or already connected); a backoff skip returns
// ErrNotConnected without touching the network.
func (c *Client) TryReconnect() error {
	if c == nil {
		return fmt.Errorf("nil client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	now := time.Now()
	if now.Before(c.nextAttempt) {
		return ErrNotConnected
	}

	if err := c.connectLocked(); err != nil {
		c.nextAttempt = now.Add(c.backoff)
		c.backoff *= 2
		if c.backoff > maxBackoff {
			c.backoff = maxBackoff
		}
		return err
	}
	return nil
}

// ConnectionMode returns a human-readable string describing the connection.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Sprintf("S7 Connected (Rack %d, Slot %d)", c.rack, c.slot)
	}
	return "Disconnected"
}

// ReadBlock reads size bytes from a data block starting at offset.
func (c *Client) ReadBlock(db, offset, size int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, size)
	if err := c.client.AGReadDB(db, offset, size, buf); err != nil {
		if IsConnectionError(err) {
			c.connected = false
		}
		return nil, fmt.Errorf("read DB%d.%d len %d: %w", db, offset, size, err)
	}
	return buf, nil
}

// WriteBlock writes data into a data block starting at offset.
func (c *Client) WriteBlock(db, offset int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return ErrNotConnected
	}

	if err := c.client.AGWriteDB(db, offset, len(data), data); err != nil {
		if IsConnectionError(err) {
			c.connected = false
		}
		return fmt.Errorf("write DB%d.%d len %d: %w", db, offset, len(data), err)
	}
	return nil
}

// CPUInfo contains identification info for the connected CPU.
type CPUInfo struct {
	ModuleTypeName string
	SerialNumber   string
	ASName         string
	ModuleName     string
}

// GetCPUInfo returns information about the connected CPU.
func (c *Client) GetCPUInfo() (*CPUInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.client == nil {
		return nil, ErrNotConnected
	}

	info, err := c.client.GetCPUInfo()
	if err != nil {
		return nil, err
	}

	return &CPUInfo{
		ModuleTypeName: info.ModuleTypeName,
		SerialNumber:   info.SerialNumber,
		ASName:         info.ASName,
		ModuleName:     info.ModuleName,
	}, nil
}

// IsConnectionError checks if an error indicates the TCP session is broken
// (as opposed to an addressing or data error the PLC reported).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed")
}
