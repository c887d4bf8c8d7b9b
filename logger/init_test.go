package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{name: "trace level", envValue: "trace", expectedLevel: LevelTrace},
		{name: "debug level", envValue: "debug", expectedLevel: LevelDebug},
		{name: "info level", envValue: "info", expectedLevel: LevelInfo},
		{name: "warn level", envValue: "warn", expectedLevel: LevelWarn},
		{name: "warning alias", envValue: "WARNING", expectedLevel: LevelWarn},
		{name: "error level", envValue: "error", expectedLevel: LevelError},
		{name: "off", envValue: "off", expectedLevel: LevelNone},
		{name: "unknown falls back to info", envValue: "chatty", expectedLevel: LevelInfo},
		{name: "empty falls back to info", envValue: "", expectedLevel: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvLogLevel, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestNewPicksFormat(t *testing.T) {
	_, ok := New("console", LevelInfo).(*consoleLogger)
	assert.True(t, ok)
	_, ok = New("json", LevelInfo).(*jsonLogger)
	assert.True(t, ok)
	_, ok = New("", LevelInfo).(*jsonLogger)
	assert.True(t, ok)
}
