package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedJSON(level LogLevel) (*jsonLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewJSONLoggerWithSink(&buf, level).(*jsonLogger)
	l.ts = &ts
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []JSONLogEntry {
	t.Helper()
	var entries []JSONLogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e JSONLogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestJSONLoggerLevels(t *testing.T) {
	l, buf := newBufferedJSON(LevelInfo)
	l.Trace("hidden")
	l.Debug("hidden")
	l.Info("hello %s", "world")
	l.Warn("careful")
	l.Error("broken")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 3)
	assert.Equal(t, "INFO", entries[0].Severity)
	assert.Equal(t, "hello world", entries[0].Message)
	assert.Equal(t, "WARNING", entries[1].Severity)
	assert.Equal(t, "ERROR", entries[2].Severity)
}

func TestJSONLoggerWithMetadataAndComponent(t *testing.T) {
	l, buf := newBufferedJSON(LevelTrace)
	child := l.With(map[string]interface{}{"base": "example.com", "component": "cache"}).WithPrefix("[redis]")
	child.Info("stored")
	l.Info("root")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "cache [redis]", entries[0].Component)
	assert.Equal(t, "example.com", entries[0].Metadata["base"])
	assert.Empty(t, entries[1].Component)
	assert.Nil(t, entries[1].Metadata)
}

func TestJSONLoggerStripsColors(t *testing.T) {
	l, buf := newBufferedJSON(LevelTrace)
	l.Info(RedBold + "red" + Reset)
	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "red", entries[0].Message)
}

func TestJSONLogEntryDefaultSeverity(t *testing.T) {
	e := JSONLogEntry{Message: "x"}
	assert.Contains(t, e.String(), `"severity":"INFO"`)
}
