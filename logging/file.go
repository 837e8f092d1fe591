package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogFunc is the logging callback injected into gateway components.
type LogFunc func(format string, args ...interface{})

// Nop discards all messages.
func Nop(string, ...interface{}) {}

// Prefixed returns a LogFunc that prepends "[name] " to every message.
// A nil fn yields Nop.
func Prefixed(fn LogFunc, name string) LogFunc {
	if fn == nil {
		return Nop
	}
	prefix := "[" + name + "] "
	return func(format string, args ...interface{}) {
		fn(prefix+format, args...)
	}
}

// FileLogger writes timestamped log lines to a file and, optionally, a console writer.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file    *os.File
	console io.Writer
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger creates a logger appending to path. The file is created if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// NewConsoleLogger creates a logger that only writes to w.
func NewConsoleLogger(w io.Writer) *FileLogger {
	return &FileLogger{console: w}
}

// Tee mirrors every line to w in addition to the file.
func (l *FileLogger) Tee(w io.Writer) *FileLogger {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
	return l
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", timestamp(), fmt.Sprintf(format, args...))
	if l.file != nil {
		io.WriteString(l.file, line)
	}
	if l.console != nil {
		io.WriteString(l.console, line)
	}
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Uptime formats the elapsed time since start, truncated to seconds.
func Uptime(start time.Time) string {
	return time.Since(start).Truncate(time.Second).String()
}
