package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local and .env if present. Missing files are not
// an error; variables already set in the environment win.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst **bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			*dst = BoolPtr(true)
		default:
			*dst = BoolPtr(false)
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

// ApplyEnv overrides config fields from environment variables. Environment
// wins over file values; unset variables leave the config untouched.
func (c *Config) ApplyEnv() {
	envInt("SERVICE_PORT", &c.Server.Port)
	envSeconds("REQUEST_TIMEOUT", &c.Server.RequestTimeout)

	envString("KIRO_PROXY_BASE", &c.Upstream.BaseURL)
	envString("KIRO_API_KEY", &c.Upstream.APIKey)
	envBool("USE_KIRO_NATIVE", &c.Upstream.UseNative)
	envSeconds("HTTP_CONNECT_TIMEOUT", &c.Upstream.ConnectTimeout)
	envSeconds("HTTP_READ_TIMEOUT", &c.Upstream.ReadTimeout)
	envInt("HTTP_POOL_MAX_CONNECTIONS", &c.Upstream.MaxConnections)
	envInt("HTTP_POOL_MAX_KEEPALIVE", &c.Upstream.MaxKeepalive)
	envSeconds("HTTP_POOL_KEEPALIVE_EXPIRY", &c.Upstream.KeepaliveExpiry)
	envBool("HTTP_USE_HTTP2", &c.Upstream.UseHTTP2)
	envBool("HTTP_TLS_SKIP_VERIFY", &c.Upstream.TLSSkipVerify)
	envString("HTTP_TLS_CA_CERT", &c.Upstream.TLSCACert)

	envBool("NATIVE_TOOLS_ENABLED", &c.Translate.NativeTools)
	envBool("NATIVE_TOOLS_FALLBACK_ENABLED", &c.Translate.NativeToolsFallback)
	envBool("ANTHROPIC_TRUNCATE_ENABLED", &c.Translate.TruncateEnabled)
	envBool("ANTHROPIC_CLEAN_SYSTEM_ENABLED", &c.Translate.CleanSystem)
	envBool("ANTHROPIC_MERGE_SAME_ROLE_ENABLED", &c.Translate.MergeSameRole)
	envBool("ANTHROPIC_ENSURE_USER_ENDING", &c.Translate.EnsureUserEnding)
	envInt("ANTHROPIC_MAX_MESSAGES", &c.Translate.MaxMessages)
	envInt("ANTHROPIC_MAX_TOTAL_CHARS", &c.Translate.MaxTotalChars)
	envInt("ANTHROPIC_MAX_SINGLE_CONTENT", &c.Translate.MaxSingleContent)
	envInt("ANTHROPIC_TOOL_INPUT_MAX_CHARS", &c.Translate.ToolInputMaxChars)
	envInt("ANTHROPIC_TOOL_RESULT_MAX_CHARS", &c.Translate.ToolResultMaxChars)
	envInt("TOOL_DESC_MAX_CHARS", &c.Translate.ToolDescMaxChars)
	envInt("TOOL_PARAM_DESC_MAX_CHARS", &c.Translate.ToolParamDescMaxChars)

	envBool("MODEL_ROUTING_ENABLED", &c.Router.Enabled)
	envInt("OPUS_MAX_CONCURRENT", &c.Router.OpusMaxConcurrent)
	envInt("BASE_OPUS_PROBABILITY", &c.Router.BaseOpusProbability)
	envInt("FIRST_TURN_OPUS_PROBABILITY", &c.Router.FirstTurnOpusProbability)
	envInt("FIRST_TURN_MAX_MESSAGES", &c.Router.FirstTurnMaxMessages)

	envBool("CONTINUATION_ENABLED", &c.Continuation.Enabled)
	envInt("MAX_CONTINUATIONS", &c.Continuation.MaxContinuations)
	envInt("CONTINUATION_MAX_TOKENS", &c.Continuation.MaxTokens)

	envBool("CONTEXT_ENHANCEMENT_ENABLED", &c.Enhance.Context.Enabled)
	envString("CONTEXT_ENHANCEMENT_MODEL", &c.Enhance.Context.Model)
	envInt("CONTEXT_ENHANCEMENT_MAX_TOKENS", &c.Enhance.Context.MaxTokens)
	envInt("CONTEXT_ENHANCEMENT_MIN_TOKENS", &c.Enhance.Context.MinTokens)
	envInt("CONTEXT_ENHANCEMENT_UPDATE_INTERVAL", &c.Enhance.Context.UpdateInterval)

	envBool("ASYNC_SUMMARY_ENABLED", &c.Enhance.Summary.Enabled)
	envString("SUMMARY_MODEL", &c.Enhance.Summary.Model)
	envBool("ASYNC_SUMMARY_FAST_FIRST", &c.Enhance.Summary.FastFirstRequest)
	envInt("ASYNC_SUMMARY_MAX_TASKS", &c.Enhance.Summary.MaxPendingTasks)
	envInt("ASYNC_SUMMARY_UPDATE_INTERVAL", &c.Enhance.Summary.UpdateIntervalMessages)
	envSeconds("ASYNC_SUMMARY_TASK_TIMEOUT", &c.Enhance.Summary.TaskTimeout)
	envBool("SIMULATE_CACHE_BILLING", &c.Enhance.Summary.SimulateCacheBilling)
	envFloat("CACHE_READ_DISCOUNT", &c.Enhance.Summary.CacheReadDiscount)

	envInt("STREAM_TEXT_CHUNK_SIZE", &c.Stream.TextChunkSize)
	envInt("STREAM_TOOL_JSON_CHUNK_SIZE", &c.Stream.ToolJSONChunkSize)
	envInt("STREAM_THINKING_CHUNK_SIZE", &c.Stream.ThinkingChunkSize)

	envBool("OBSERVABILITY_ENABLED", &c.Observability.Enabled)
	envString("OTLP_ENDPOINT", &c.Observability.Tracing.OTLPEndpoint)

	envString("LOG_LEVEL", &c.Logger.Level)
	envString("LOG_FILE", &c.Logger.File)
	envString("LOG_FORMAT", &c.Logger.Format)
}
