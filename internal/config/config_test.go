package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Session.FocusLimit)
	assert.Equal(t, 10, cfg.Session.MaxSessionsPerProject)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 500, cfg.Stream.BufferLines)
	assert.Equal(t, 256*1024, cfg.Stream.BufferBytes)
	assert.Equal(t, 10*time.Second, cfg.Stream.BindTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.BaseDelay)
	assert.Equal(t, 60, cfg.Metrics.RingSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  listen_addr: "127.0.0.1:9000"
  allowed_origins: ["https://app.example.com"]
session:
  focus_limit: 2
  idle_timeout: 5m
stream:
  buffer_lines: 100
breaker:
  window: 30s
`)
	t.Setenv("TERMMUX_SESSION_FOCUS_LIMIT", "3")
	t.Setenv("TERMMUX_STORAGE_RECORD_DIR", "/var/lib/termmux/casts")
	t.Setenv("TERMMUX_SERVER_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Session.FocusLimit, "environment wins over file")
	assert.Equal(t, 5*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 100, cfg.Stream.BufferLines)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Window)
	assert.Equal(t, "/var/lib/termmux/casts", cfg.Storage.RecordDir)
	assert.Equal(t, 10, cfg.Session.MaxSessionsPerProject, "unset values keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "session: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("TERMMUX_SESSION_FOCUS_LIMIT", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero focus limit", func(c *Config) { c.Session.FocusLimit = 0 }},
		{"threshold above queue", func(c *Config) { c.Stream.BackpressureThreshold = c.Stream.SendQueueSize + 1 }},
		{"max delay below base", func(c *Config) { c.Backoff.MaxDelay = c.Backoff.BaseDelay / 2 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"tiny ring", func(c *Config) { c.Metrics.RingSize = 1 }},
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestProjections(t *testing.T) {
	cfg := Default()
	cfg.Session.FocusLimit = 7
	cfg.Stream.MaxCols = 300
	cfg.Backoff.BaseDelay = time.Second
	cfg.Breaker.RequiredSuccesses = 2
	cfg.Metrics.SampleInterval = time.Minute

	assert.Equal(t, 7, cfg.SessionManager().FocusLimit)
	assert.Equal(t, time.Second, cfg.SessionManager().Backoff.BaseDelay)
	assert.Equal(t, uint16(300), cfg.StreamManager().MaxCols)
	assert.Equal(t, time.Second, cfg.StreamManager().Backoff.BaseDelay)
	assert.Equal(t, 4096, cfg.StreamManager().ReadChunk)
	assert.Equal(t, 2, cfg.CircuitBreaker().RequiredSuccesses)
	assert.Equal(t, time.Minute, cfg.MetricsCollector().SampleInterval)
}
