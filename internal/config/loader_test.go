package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 8470, cfg.Server.Port)
	assert.Equal(t, "local-provider-first", cfg.Policy.Builtin)
	assert.Equal(t, 10, cfg.Checkpoints.Retention)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.Timeout)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
storage:
  driver: memory
gateway:
  max_batch_tokens: 1200
audit:
  organization: acme
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 1200, cfg.Gateway.MaxBatchTokens)
	assert.Equal(t, "acme", cfg.Audit.Organization)
	// Untouched sections keep their defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600))

	t.Setenv("STUDIO_SERVER_PORT", "7100")
	t.Setenv("STUDIO_POLICY_BUILTIN", "compliance-local-only")
	t.Setenv("STUDIO_GATEWAY_MAX_BATCH_TOKENS", "500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "compliance-local-only", cfg.Policy.Builtin)
	assert.Equal(t, 500, cfg.Gateway.MaxBatchTokens)
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: cassandra\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Path = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Policy.Builtin = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.Enabled = true
	require.Error(t, cfg.Validate())
}
