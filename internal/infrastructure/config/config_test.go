package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 64, cfg.Pool.Capacity)
	assert.Equal(t, 3*time.Second, cfg.Attention.IdleThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.Attention.SettleWindow)
	assert.Equal(t, time.Second, cfg.Attention.ErrorGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.Attention.AckDebounce)
	assert.Equal(t, 10000, cfg.Buffer.MaxLines)
	assert.Equal(t, 2*1024*1024, cfg.Buffer.MaxBytes)
	assert.Equal(t, time.Second, cfg.Resources.SampleInterval)
	assert.Equal(t, 60, cfg.Resources.HistoryWindow)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }},
		{"negative lines", func(c *Config) { c.Buffer.MaxLines = -1 }},
		{"settle above idle", func(c *Config) { c.Attention.SettleWindow = 5 * time.Second }},
		{"zero sample interval", func(c *Config) { c.Resources.SampleInterval = 0 }},
		{"bad compression", func(c *Config) { c.Transcript.Compression = "brotli" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SWITCHBOARD_POOL_CAPACITY", "8")
	t.Setenv("SWITCHBOARD_IDLE_THRESHOLD", "10s")
	t.Setenv("SWITCHBOARD_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Attention.IdleThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.toml")
	body := `
[server]
addr = "127.0.0.1:9999"

[pool]
capacity = 4

[attention]
aging_rate = 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(cfg, path, false))

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Pool.Capacity)
	assert.Equal(t, 0.5, cfg.Attention.AgingRate)
	// Values absent from the file keep their previous layer.
	assert.Equal(t, 10000, cfg.Buffer.MaxLines)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()

	assert.Error(t, LoadFile(cfg, "/nonexistent/switchboard.toml", false))
	assert.NoError(t, LoadFile(cfg, "/nonexistent/switchboard.toml", true))
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pool]\ncapacity = 0\n"), 0o644))

	cfg := Default()
	assert.Error(t, LoadFile(cfg, path, false))
}
