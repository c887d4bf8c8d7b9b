package logger

import (
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// String returns the formatted message.
func (e TestLogEntry) String() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testBuffer struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived with With or
// WithPrefix share the parent's buffer, so assertions can be made on the
// root logger. Safe for concurrent use.
type TestLogger struct {
	metadata map[string]interface{}
	buf      *testBuffer
}

var _ Logger = (*TestLogger)(nil)

// WithPrefix returns the same logger; prefixes are not recorded
func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, buf: c.buf}
}

func (c *TestLogger) log(level string, msg string, args ...interface{}) {
	c.buf.mu.Lock()
	c.buf.entries = append(c.buf.entries, TestLogEntry{level, msg, args, c.metadata})
	c.buf.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }

func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }

func (c *TestLogger) Info(msg string, args ...interface{}) { c.log("INFO", msg, args...) }

func (c *TestLogger) Warn(msg string, args ...interface{}) { c.log("WARNING", msg, args...) }

func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

// Fatal records the entry but does not exit, so tests can observe it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) { c.log("FATAL", msg, args...) }

// Logs returns a snapshot of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	out := make([]TestLogEntry, len(c.buf.entries))
	copy(out, c.buf.entries)
	return out
}

// Has reports whether an entry with severity contains substr in its formatted message.
func (c *TestLogger) Has(severity, substr string) bool {
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.String(), substr) {
			return true
		}
	}
	return false
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{buf: &testBuffer{}}
}
