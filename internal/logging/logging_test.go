package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/redact"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "debug", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Named("controller").Debug("batch dispatched", zap.String("label", "build"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "controller", entry["logger"])
	assert.Equal(t, "batch dispatched", entry["msg"])
	assert.Equal(t, "build", entry["label"])
	assert.Contains(t, entry, "ts")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "warn"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Format: "console"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Info("run finished")
	require.NoError(t, logger.Sync())
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "run finished")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)

	_, err = New(config.LogConfig{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestNew_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	token := "ghp_" + "abcdefghijklmnopqrstuvwxyz0123456789"
	logger.With(zap.String("env", "GITHUB_TOKEN="+token)).
		Warn("executor printed "+token, zap.Error(errors.New("auth failed for "+token)))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, token)
	assert.Contains(t, out, redact.Mask)
	assert.Contains(t, out, "GITHUB_TOKEN=")
}
