package bridge

// Transport is the field link to the PLC. The production implementation is
// *s7.Client; tests substitute an in-memory fake. All calls happen from the
// bridge's single run goroutine, so implementations only need to be safe
// against Close from another goroutine.
type Transport interface {
	// Connect establishes the session.
	Connect() error
	// TryReconnect re-establishes a down session, honoring the transport's
	// own backoff policy. It returns nil when the session is up.
	TryReconnect() error
	// Close releases the session.
	Close()
	// IsConnected reports whether the session is believed up.
	IsConnected() bool
	// ConnectionMode describes the connection for status reporting.
	ConnectionMode() string
	// SetDisconnected force-marks the session down so the next poll cycle
	// reconnects. Used when a read returns data that cannot be trusted.
	SetDisconnected()
	// ReadBlock reads size bytes from data block db starting at offset.
	ReadBlock(db, offset, size int) ([]byte, error)
	// WriteBlock writes data into data block db starting at offset.
	WriteBlock(db, offset int, data []byte) error
}
