package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 300*time.Second, cfg.Server.RequestTimeout)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, 2000, cfg.Upstream.MaxConnections)
	assert.Equal(t, 500, cfg.Upstream.MaxKeepalive)
	assert.False(t, BoolValue(cfg.Upstream.UseHTTP2, true))

	assert.True(t, cfg.Router.IsEnabled())
	assert.Equal(t, 20, cfg.Router.BaseOpusProbability)
	assert.Equal(t, 50, cfg.Router.FirstTurnOpusProbability)
	assert.Equal(t, 90, cfg.Router.ExecutionSonnetProbability)
	assert.NotEmpty(t, cfg.Router.OpusKeywords)
	assert.NotEmpty(t, cfg.Router.SonnetKeywords)

	assert.Equal(t, []string{StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry}, cfg.History.Strategies)
	assert.Equal(t, 30, cfg.History.MaxMessages)
	assert.Equal(t, 150000, cfg.History.MaxChars)

	assert.True(t, cfg.Continuation.IsEnabled())
	assert.Equal(t, 5, cfg.Continuation.MaxContinuations)
	assert.Equal(t, 8192, cfg.Continuation.MaxTokens)

	assert.Equal(t, 2000, cfg.Stream.TextChunkSize)
	assert.Equal(t, cfg.Stream.TextChunkSize, cfg.Stream.ThinkingChunkSize)

	assert.False(t, cfg.Observability.IsEnabled())
}

func TestConfig_ValidateAfterDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad base url", func(c *Config) { c.Upstream.BaseURL = "ftp://example.com" }},
		{"bad probability", func(c *Config) { c.Router.BaseOpusProbability = 150 }},
		{"bad strategy", func(c *Config) { c.History.Strategies = []string{"nonsense"} }},
		{"keepalive above pool", func(c *Config) {
			c.Upstream.MaxConnections = 10
			c.Upstream.MaxKeepalive = 20
		}},
		{"bad sample rate", func(c *Config) { c.Observability.Tracing.SampleRate = 2.0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9000")
	t.Setenv("KIRO_PROXY_BASE", "http://upstream:8000")
	t.Setenv("KIRO_API_KEY", "secret")
	t.Setenv("MODEL_ROUTING_ENABLED", "false")
	t.Setenv("BASE_OPUS_PROBABILITY", "35")
	t.Setenv("CONTINUATION_ENABLED", "no")
	t.Setenv("HTTP_USE_HTTP2", "true")
	t.Setenv("REQUEST_TIMEOUT", "120")
	t.Setenv("SUMMARY_MODEL", "claude-haiku-4-5-20251001")

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.ApplyEnv()

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "http://upstream:8000", cfg.Upstream.BaseURL)
	assert.Equal(t, "secret", cfg.Upstream.APIKey)
	assert.False(t, cfg.Router.IsEnabled())
	assert.Equal(t, 35, cfg.Router.BaseOpusProbability)
	assert.False(t, cfg.Continuation.IsEnabled())
	assert.True(t, BoolValue(cfg.Upstream.UseHTTP2, false))
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Enhance.Summary.Model)
}

func TestHistoryConfig_FromMap(t *testing.T) {
	cfg, err := HistoryConfigFromMap(map[string]any{
		"strategies":   []any{"auto_truncate", "bogus", "error_retry"},
		"max_messages": float64(12),
		"max_chars":    float64(50000),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{StrategyAutoTruncate, StrategyErrorRetry}, cfg.Strategies)
	assert.Equal(t, 12, cfg.MaxMessages)
	assert.Equal(t, 50000, cfg.MaxChars)
	// Untouched fields keep defaults
	assert.Equal(t, 10, cfg.SummaryKeepRecent)
}

func TestHistoryConfig_FromMapRejectsInvalid(t *testing.T) {
	_, err := HistoryConfigFromMap(map[string]any{
		"max_chars": float64(10),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_chars must be at least 1000")
}

func TestHistoryConfig_Snapshot(t *testing.T) {
	cfg := &HistoryConfig{}
	cfg.SetDefaults()

	snap := cfg.Snapshot()
	assert.Equal(t, 30, snap["max_messages"])
	assert.Equal(t, true, snap["summary_cache_enabled"])
	assert.Equal(t, []string{StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry}, snap["strategies"])
}
