package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildBackendsDefaultsToMock(t *testing.T) {
	reg, primary, err := buildBackends(Config{}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "mock", primary)
	assert.True(t, reg.Has("mock"))
}

func TestBuildBackendsFromConfig(t *testing.T) {
	cfg := Config{
		Backends: []BackendConfig{
			{Name: "claude", Command: "claude-backend", Capabilities: []string{"deploy"}},
			{Name: "gemini", Command: "gemini-backend"},
		},
	}
	reg, primary, err := buildBackends(cfg, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "claude", primary) // first backend when primary unset
	assert.Equal(t, 2, reg.Count())

	cfg.Primary = "gemini"
	_, primary, err = buildBackends(cfg, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "gemini", primary)
}

func TestBuildBackendsRejectsBadConfig(t *testing.T) {
	cfg := Config{
		Backends: []BackendConfig{{Name: "", Command: "x"}},
	}
	_, _, err := buildBackends(cfg, quietLogger())
	require.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {
		assert.NotNil(t, newLogger(lvl))
	}
}
