package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9222, cfg.DebuggingPort)
	assert.True(t, cfg.Headless)
	assert.FileExists(t, path)

	// A second load reads the created file.
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.RemoteURL = "http://127.0.0.1:9333"
	cfg.Headless = false
	cfg.LogLevel = "debug"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	// Corrupt the file.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
