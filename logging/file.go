// Package logging provides the bridge's two log sinks: a timestamped event
// log recording connection and command history, and an area-filtered debug
// log for protocol troubleshooting.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger is the append-only event log. One instance is shared by the
// bridge and its publishers; writes are serialized internally.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens the event log at path, appending to an existing file
// so history survives restarts.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log appends one timestamped line. Safe from any goroutine.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s %s\n", ts, fmt.Sprintf(format, args...))
}

// Close closes the event log. Log calls after Close are dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
