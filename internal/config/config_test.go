package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":4000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.ProbeInterval())
	assert.Equal(t, time.Second, cfg.Heartbeat.PongTimeout())
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.Client.Backoff())
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestValidate(t *testing.T) {
	t.Run("defaults need a secret", func(t *testing.T) {
		cfg := Default()
		require.Error(t, cfg.Validate())
	})

	t.Run("defaults with secret are valid", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.JWTSecret = "0123456789abcdef"
		require.NoError(t, cfg.Validate())
	})

	t.Run("pong timeout must be shorter than probe interval", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.JWTSecret = "0123456789abcdef"
		cfg.Heartbeat.PongTimeoutMs = cfg.Heartbeat.ProbeIntervalMs
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown log format", func(t *testing.T) {
		cfg := Default()
		cfg.Auth.JWTSecret = "0123456789abcdef"
		cfg.Log.Format = "xml"
		require.Error(t, cfg.Validate())
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("HEARTBEAT_PROBE_INTERVAL_MS", "2000")
	t.Setenv("HEARTBEAT_PONG_TIMEOUT_MS", "250")
	t.Setenv("JWT_SECRET", "env-secret-0123456789")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2000, cfg.Heartbeat.ProbeIntervalMs)
	assert.Equal(t, 250, cfg.Heartbeat.PongTimeoutMs)
	assert.Equal(t, "env-secret-0123456789", cfg.Auth.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "relaychat.db", cfg.Storage.DatabasePath)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relaychat.yaml")
	content := `
server:
  addr: ":7000"
heartbeat:
  probe_interval_ms: 3000
storage:
  uploads_dir: /tmp/relay-uploads
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("SERVER_ADDR", ":7001")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Server.Addr, "env overrides file")
	assert.Equal(t, 3000, cfg.Heartbeat.ProbeIntervalMs)
	assert.Equal(t, 1000, cfg.Heartbeat.PongTimeoutMs, "defaults survive")
	assert.Equal(t, "/tmp/relay-uploads", cfg.Storage.UploadsDir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvTransformIgnoresUnknownKeys(t *testing.T) {
	assert.Equal(t, "", envTransformFunc("PATH"))
	assert.Equal(t, "auth.jwt_secret", envTransformFunc("JWT_SECRET"))
}
