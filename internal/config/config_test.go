package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "development", cfg.Logging.Mode)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.SpaceRefresh())
	assert.Equal(t, time.Hour, cfg.FreeSpaceRearm())
	assert.Equal(t, int64(200), cfg.FreeSpace.MinimumSpaceMiB)
	assert.True(t, cfg.FreeSpace.Enabled)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("DEVICENOTIFIER_LOG_LEVEL", "")
	t.Setenv("DEVICENOTIFIER_MEDIA_ROOT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("DEVICENOTIFIER_LOG_LEVEL", "")
	t.Setenv("DEVICENOTIFIER_MEDIA_ROOT", "")

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.FreeSpace.MinimumSpaceMiB = 1024
	cfg.FreeSpace.Paths = []string{"/", "/home"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.Equal(t, int64(1024), loaded.FreeSpace.MinimumSpaceMiB)
	assert.Equal(t, []string{"/", "/home"}, loaded.FreeSpace.Paths)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("DEVICENOTIFIER_LOG_LEVEL", "")
	t.Setenv("DEVICENOTIFIER_MEDIA_ROOT", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("free_space:\n  enabled: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.FreeSpace.Enabled)
	assert.Equal(t, "1m", cfg.FreeSpace.CheckInterval)
	assert.Equal(t, []string{"/media", "/run/media"}, cfg.Monitor.MediaRoots)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DEVICENOTIFIER_LOG_LEVEL", "warn")
	t.Setenv("DEVICENOTIFIER_MEDIA_ROOT", "/mnt/a"+string(os.PathListSeparator)+"/mnt/b")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"/mnt/a", "/mnt/b"}, cfg.Monitor.MediaRoots)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Logging.Mode = "verbose" }},
		{"bad duration", func(c *Config) { c.Monitor.PollInterval = "soon" }},
		{"negative duration", func(c *Config) { c.Space.RefreshInterval = "-1s" }},
		{"no media roots", func(c *Config) { c.Monitor.MediaRoots = nil }},
		{"negative minimum", func(c *Config) { c.FreeSpace.MinimumSpaceMiB = -1 }},
		{"percentage over 100", func(c *Config) { c.FreeSpace.MinimumPercentage = 101 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
