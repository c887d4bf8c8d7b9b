package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLoggerMethods(t *testing.T) {
	logger := NewTestLogger()

	logger.Trace("Trace message %d", 1)
	logger.Debug("Debug message")
	logger.Info("Info message")
	logger.Warn("Warn message")
	logger.Error("Error message")

	logs := logger.Logs()
	assert.Len(t, logs, 5)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, "Trace message 1", logs[0].String())
	assert.Equal(t, []interface{}{1}, logs[0].Arguments)
	assert.Equal(t, "WARNING", logs[3].Severity)
	assert.True(t, logger.Has("ERROR", "Error message"))
	assert.False(t, logger.Has("INFO", "Error message"))
}

func TestTestLoggerWithSharesBuffer(t *testing.T) {
	logger := NewTestLogger()
	child := logger.With(map[string]interface{}{"key1": "value1"})
	child.Info("from child")

	logs := logger.Logs()
	assert.Len(t, logs, 1)
	assert.Equal(t, "value1", logs[0].Metadata["key1"])
}

func TestTestLoggerConcurrent(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With(map[string]interface{}{"i": i}).Debug("tick")
		}(i)
	}
	wg.Wait()
	assert.Len(t, logger.Logs(), 50)
}
