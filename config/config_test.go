package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 25*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Fallback.PollInterval)
	assert.Equal(t, "shelfsync_auth", cfg.Auth.CookieName)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("SHELFSYNC_QUEUE_DRIVER", "none")
	t.Setenv("SHELFSYNC_HUB_ENABLED", "false")
	t.Setenv("SHELFSYNC_FALLBACK_POLL_INTERVAL", "100ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Queue.Driver)
	assert.False(t, cfg.Hub.Enabled)
	assert.Equal(t, 100*time.Millisecond, cfg.Fallback.PollInterval)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  addr: ":9090"
redis:
  addr: "127.0.0.1:6379"
queue:
  driver: redis
  batch_size: 25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, 25, cfg.Queue.BatchSize)
	assert.True(t, cfg.Redis.Enabled())
}

func TestValidate(t *testing.T) {
	t.Run("redis queue requires redis addr", func(t *testing.T) {
		chdirTemp(t)
		t.Setenv("SHELFSYNC_QUEUE_DRIVER", "redis")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue.driver=redis")
	})

	t.Run("split roles with hub require redis", func(t *testing.T) {
		chdirTemp(t)
		t.Setenv("SHELFSYNC_SERVER_ROLE", "api")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.role=api")

		t.Setenv("SHELFSYNC_HUB_ENABLED", "false")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "api", cfg.Server.Role)
	})

	t.Run("rejects unknown queue driver", func(t *testing.T) {
		chdirTemp(t)
		t.Setenv("SHELFSYNC_QUEUE_DRIVER", "kafka")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}
