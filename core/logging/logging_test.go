package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/handoff/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", zap.String("job_id", "j1"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"job_id":"j1"`)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"}, nil)
	require.Error(t, err)

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"}, nil)
	require.Error(t, err)
}

func TestTeeToFileAppends(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(config.LoggingConfig{Level: "info"}, &buf)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "logs", "executor.log")
	logger, closeFn, err := TeeToFile(base, path)
	require.NoError(t, err)
	logger.Info("job processed", zap.String("job_id", "a"))
	require.NoError(t, closeFn())

	logger, closeFn, err = TeeToFile(base, path)
	require.NoError(t, err)
	logger.Info("job processed", zap.String("job_id", "b"))
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"job_id": "a"`)
	assert.Contains(t, lines[1], `"job_id": "b"`)
	assert.Contains(t, buf.String(), "job processed")
}
