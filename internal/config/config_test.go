package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
jwt:
  secret: "test-secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5023", cfg.Server.Bind)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Device.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Device.MaxRetries)
	assert.Equal(t, 10, cfg.Device.FlushLimit)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  bind: "127.0.0.1:6001"
  max_connections: 50
device:
  ack_timeout: 10s
jwt:
  secret: "test-secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6001", cfg.Server.Bind)
	assert.Equal(t, 50, cfg.Server.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Device.AckTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("GATEWAY_BIND", "0.0.0.0:7000")

	path := writeConfig(t, "{}")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.JWT.Secret)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Bind)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
server:
  max_connections: 0
jwt:
  secret: "test-secret"
`)
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "{}")
	_, err = Load(path)
	assert.Error(t, err, "missing jwt secret must fail validation")

	// Heartbeat timeout below the socket idle timeout would evict
	// sessions the reader still considers live.
	path = writeConfig(t, `
device:
  heartbeat_timeout: 10s
jwt:
  secret: "test-secret"
`)
	_, err = Load(path)
	assert.Error(t, err)
}
