package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging for troubleshooting
// protocol-level issues: dropped PLC connections, short reads, rejected
// commands, and publisher failures. It writes to a dedicated debug.log
// file and optionally forwards each line to a sink callback.
type DebugLogger struct {
	file    *os.File
	sink    func(line string)
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // area filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))

	return logger, nil
}

// SetFilter restricts logging to a comma-separated list of areas
// (e.g. "s7,bridge"). Empty string logs all areas.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}
	for _, a := range strings.Split(filter, ",") {
		a = strings.TrimSpace(strings.ToLower(a))
		if a != "" {
			l.filters[a] = true
		}
	}
}

// SetSink installs a callback that receives every formatted log line.
func (l *DebugLogger) SetSink(sink func(line string)) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Log writes a debug line tagged with an area name.
func (l *DebugLogger) Log(area, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if len(l.filters) > 0 && !l.filters[strings.ToLower(area)] {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] %s", timestamp, area, msg)
	fmt.Fprintln(l.file, line)
	if l.sink != nil {
		l.sink(line)
	}
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// InitDebugLogger initializes the global debug logger.
func InitDebugLogger(path string) error {
	logger, err := NewDebugLogger(path)
	if err != nil {
		return err
	}

	globalDebugMu.Lock()
	globalDebugLogger = logger
	globalDebugMu.Unlock()
	return nil
}

// DebugLog writes to the global debug logger, if initialized.
func DebugLog(area, format string, args ...interface{}) {
	globalDebugMu.RLock()
	logger := globalDebugLogger
	globalDebugMu.RUnlock()
	logger.Log(area, format, args...)
}

// CloseDebugLogger closes the global debug logger.
func CloseDebugLogger() {
	globalDebugMu.Lock()
	logger := globalDebugLogger
	globalDebugLogger = nil
	globalDebugMu.Unlock()

	if logger != nil {
		logger.Close()
	}
}
