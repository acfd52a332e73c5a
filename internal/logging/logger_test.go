package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger)
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	assert.Empty(t, buf.String())

	logger.Warn("visible warning")
	assert.Contains(t, buf.String(), "[WARN] visible warning")
}

func TestLoggerFormatsKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("posted write", "slot", 3, "bytes", 4096)
	assert.Contains(t, buf.String(), "slot=3")
	assert.Contains(t, buf.String(), "bytes=4096")
}

func TestLoggerFormattedVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Errorf("post_write failed: %v", "EINVAL")
	assert.Contains(t, buf.String(), "[ERROR] post_write failed: EINVAL")
}

func TestDefaultAndSetDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	Info("info message")
	Warn("warning message")
	Error("error message")

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "info message")
	assert.Contains(t, out, "warning message")
	assert.Contains(t, out, "error message")
}
