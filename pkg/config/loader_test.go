package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFile_YAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9100
upstream:
  base_url: http://kiro:8000
  api_key: file-key
router:
  base_opus_probability: 25
history:
  strategies: [auto_truncate]
  max_messages: 15
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "http://kiro:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, "file-key", cfg.Upstream.APIKey)
	assert.Equal(t, 25, cfg.Router.BaseOpusProbability)
	assert.Equal(t, []string{StrategyAutoTruncate}, cfg.History.Strategies)
	assert.Equal(t, 15, cfg.History.MaxMessages)
	// Defaults still fill unspecified sections
	assert.Equal(t, 5, cfg.Continuation.MaxContinuations)
}

func TestLoadConfigFile_EnvWinsOverFile(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9999")
	path := writeConfigFile(t, `
server:
  port: 9100
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadConfigFile_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "expanded-key")
	path := writeConfigFile(t, `
upstream:
  api_key: ${TEST_RELAY_KEY}
  base_url: ${TEST_RELAY_BASE:-http://fallback:8000}
`)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "expanded-key", cfg.Upstream.APIKey)
	assert.Equal(t, "http://fallback:8000", cfg.Upstream.BaseURL)
}

func TestLoadConfigFile_NotFound(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), "/nonexistent/relay.yaml")
	require.Error(t, err)
}

func TestLoadConfigFile_InvalidValuesRejected(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 99999
`)

	_, _, err := LoadConfigFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("SERVICE_PORT", "8222")

	cfg, loader, err := Load(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, 8222, cfg.Server.Port)
}

func TestParseBytes_JSONFallback(t *testing.T) {
	m, err := parseBytes([]byte(`{"server": {"port": 8123}}`))
	require.NoError(t, err)
	assert.Contains(t, m, "server")
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR", "value")

	assert.Equal(t, "value", expandEnvString("${RELAY_TEST_VAR}"))
	assert.Equal(t, "value", expandEnvString("$RELAY_TEST_VAR"))
	assert.Equal(t, "fallback", expandEnvString("${RELAY_TEST_MISSING:-fallback}"))
	assert.Equal(t, "plain", expandEnvString("plain"))
}
