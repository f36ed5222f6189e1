package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TARGET_DIR", "/data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.TargetDir)
	assert.Equal(t, "downloads.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.Segments)
	assert.Equal(t, 5, cfg.MaxParallel)
	assert.Equal(t, int64(262144), cfg.ProgressInterval)
	assert.Equal(t, uint(5), cfg.RetryMaxTries)
	assert.True(t, cfg.RestoreOnStart)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "segment_downloader", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ShutdownTimeout)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TARGET_DIR", "/data")
	t.Setenv("SEGMENTS", "8")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Segments)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing target dir", env: map[string]string{"TARGET_DIR": ""}},
		{name: "zero segments", env: map[string]string{"TARGET_DIR": "/data", "SEGMENTS": "0"}},
		{name: "negative parallelism", env: map[string]string{"TARGET_DIR": "/data", "MAX_PARALLEL": "-1"}},
		{name: "malformed number", env: map[string]string{"TARGET_DIR": "/data", "SEGMENTS": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
