package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.ResumeBackend)
	assert.Equal(t, int64(2<<20), cfg.ChunkSize)
	assert.Equal(t, 2<<20, cfg.HashWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.ResumeHorizon)
	assert.True(t, cfg.AutoSave)
	assert.Empty(t, cfg.Web.BindAddress)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("RESUME_BACKEND", "badger")
	t.Setenv("CHUNK_SIZE", "1048576")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9092")
	t.Setenv("TELEMETRY_ENABLED", "true")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("CONTROL_USERNAME", "admin")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.ResumeBackend)
	assert.Equal(t, int64(1<<20), cfg.ChunkSize)
	assert.Equal(t, "127.0.0.1:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "admin", cfg.Control.Username)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DOWNLOAD_DIR=/srv/downloads\nSPOOL_DIR=/srv/spool\n"), 0o600))

	t.Setenv("SPOOL_DIR", "/var/spool")
	t.Cleanup(func() { os.Unsetenv("DOWNLOAD_DIR") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/downloads", cfg.DownloadDir)
	assert.Equal(t, "/var/spool", cfg.SpoolDir, "environment wins over the env file")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown backend":    {"RESUME_BACKEND": "redis"},
		"zero chunk size":    {"CHUNK_SIZE": "0"},
		"negative window":    {"HASH_WINDOW": "-1"},
		"malformed duration": {"RESUME_HORIZON": "soon"},
		"zero sweep":         {"SWEEP_INTERVAL": "0s"},
		"negative sweep":     {"SWEEP_INTERVAL": "-1m"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
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
