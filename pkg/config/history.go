// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
)

// Truncation strategy names. Strategies run in this fixed order regardless
// of the order they are listed in.
const (
	StrategyAutoTruncate = "auto_truncate"
	StrategySmartSummary = "smart_summary"
	StrategyErrorRetry   = "error_retry"
	StrategyPreEstimate  = "pre_estimate"
)

// HistoryConfig configures conversation history management.
type HistoryConfig struct {
	// Strategies lists the enabled truncation strategies.
	Strategies []string `yaml:"strategies,omitempty" json:"strategies,omitempty"`

	// MaxMessages and MaxChars bound history for auto_truncate.
	MaxMessages int `yaml:"max_messages,omitempty" json:"max_messages,omitempty"`
	MaxChars    int `yaml:"max_chars,omitempty" json:"max_chars,omitempty"`

	// SummaryKeepRecent messages stay verbatim when summarizing; the rest
	// collapse into a summary once history exceeds SummaryThreshold chars.
	SummaryKeepRecent int `yaml:"summary_keep_recent,omitempty" json:"summary_keep_recent,omitempty"`
	SummaryThreshold  int `yaml:"summary_threshold,omitempty" json:"summary_threshold,omitempty"`
	SummaryMaxLength  int `yaml:"summary_max_length,omitempty" json:"summary_max_length,omitempty"`

	// RetryMaxMessages is the starting budget for error_retry; each retry
	// shrinks it by 30%, floored at 5 messages.
	RetryMaxMessages int `yaml:"retry_max_messages,omitempty" json:"retry_max_messages,omitempty"`
	MaxRetries       int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// EstimateThreshold triggers pre_estimate char truncation; the target
	// is 80% of the threshold. CharsPerToken feeds size estimates.
	EstimateThreshold int     `yaml:"estimate_threshold,omitempty" json:"estimate_threshold,omitempty"`
	CharsPerToken     float64 `yaml:"chars_per_token,omitempty" json:"chars_per_token,omitempty"`

	// Summary cache reuse window.
	SummaryCacheEnabled          *bool `yaml:"summary_cache_enabled,omitempty" json:"summary_cache_enabled,omitempty"`
	SummaryCacheMinDeltaMessages int   `yaml:"summary_cache_min_delta_messages,omitempty" json:"summary_cache_min_delta_messages,omitempty"`
	SummaryCacheMinDeltaChars    int   `yaml:"summary_cache_min_delta_chars,omitempty" json:"summary_cache_min_delta_chars,omitempty"`
	SummaryCacheMaxAgeSeconds    int   `yaml:"summary_cache_max_age_seconds,omitempty" json:"summary_cache_max_age_seconds,omitempty"`
	SummaryCacheMaxEntries       int   `yaml:"summary_cache_max_entries,omitempty" json:"summary_cache_max_entries,omitempty"`

	// AddWarningHeader annotates truncated requests with an info line.
	AddWarningHeader *bool `yaml:"add_warning_header,omitempty" json:"add_warning_header,omitempty"`
}

// SetDefaults sets default values for HistoryConfig.
func (c *HistoryConfig) SetDefaults() {
	if c.Strategies == nil {
		c.Strategies = []string{StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry}
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 30
	}
	if c.MaxChars == 0 {
		c.MaxChars = 150000
	}
	if c.SummaryKeepRecent == 0 {
		c.SummaryKeepRecent = 10
	}
	if c.SummaryThreshold == 0 {
		c.SummaryThreshold = 100000
	}
	if c.SummaryMaxLength == 0 {
		c.SummaryMaxLength = 2000
	}
	if c.RetryMaxMessages == 0 {
		c.RetryMaxMessages = 20
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.EstimateThreshold == 0 {
		c.EstimateThreshold = 150000
	}
	if c.CharsPerToken == 0 {
		c.CharsPerToken = 3.0
	}
	if c.SummaryCacheEnabled == nil {
		c.SummaryCacheEnabled = BoolPtr(true)
	}
	if c.SummaryCacheMinDeltaMessages == 0 {
		c.SummaryCacheMinDeltaMessages = 3
	}
	if c.SummaryCacheMinDeltaChars == 0 {
		c.SummaryCacheMinDeltaChars = 4000
	}
	if c.SummaryCacheMaxAgeSeconds == 0 {
		c.SummaryCacheMaxAgeSeconds = 180
	}
	if c.SummaryCacheMaxEntries == 0 {
		c.SummaryCacheMaxEntries = 128
	}
	if c.AddWarningHeader == nil {
		c.AddWarningHeader = BoolPtr(true)
	}
}

// Validate validates the HistoryConfig.
func (c *HistoryConfig) Validate() error {
	if c.MaxMessages < 1 {
		return fmt.Errorf("max_messages must be at least 1")
	}
	if c.MaxChars < 1000 {
		return fmt.Errorf("max_chars must be at least 1000")
	}
	if c.SummaryKeepRecent < 1 {
		return fmt.Errorf("summary_keep_recent must be at least 1")
	}
	if c.SummaryThreshold < 1000 {
		return fmt.Errorf("summary_threshold must be at least 1000")
	}
	if c.RetryMaxMessages < 1 {
		return fmt.Errorf("retry_max_messages must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.EstimateThreshold < 1000 {
		return fmt.Errorf("estimate_threshold must be at least 1000")
	}
	if c.CharsPerToken <= 0 {
		return fmt.Errorf("chars_per_token must be positive")
	}
	for _, s := range c.Strategies {
		switch s {
		case StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry, StrategyPreEstimate:
		default:
			return fmt.Errorf("unknown strategy %q", s)
		}
	}
	return nil
}

// HasStrategy reports whether the named strategy is enabled.
func (c *HistoryConfig) HasStrategy(name string) bool {
	for _, s := range c.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// Snapshot returns the config as a map for the admin API.
func (c *HistoryConfig) Snapshot() map[string]any {
	return map[string]any{
		"strategies":                       append([]string(nil), c.Strategies...),
		"max_messages":                     c.MaxMessages,
		"max_chars":                        c.MaxChars,
		"summary_keep_recent":              c.SummaryKeepRecent,
		"summary_threshold":                c.SummaryThreshold,
		"summary_max_length":               c.SummaryMaxLength,
		"retry_max_messages":               c.RetryMaxMessages,
		"max_retries":                      c.MaxRetries,
		"estimate_threshold":               c.EstimateThreshold,
		"chars_per_token":                  c.CharsPerToken,
		"summary_cache_enabled":            BoolValue(c.SummaryCacheEnabled, true),
		"summary_cache_min_delta_messages": c.SummaryCacheMinDeltaMessages,
		"summary_cache_min_delta_chars":    c.SummaryCacheMinDeltaChars,
		"summary_cache_max_age_seconds":    c.SummaryCacheMaxAgeSeconds,
		"summary_cache_max_entries":        c.SummaryCacheMaxEntries,
		"add_warning_header":               BoolValue(c.AddWarningHeader, true),
	}
}

// HistoryConfigFromMap builds a HistoryConfig from an admin API payload.
// Unknown strategy names are dropped with a warning; missing fields keep
// their defaults.
func HistoryConfigFromMap(data map[string]any) (*HistoryConfig, error) {
	cfg := &HistoryConfig{}
	if raw, ok := data["strategies"].([]any); ok {
		strategies := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				continue
			}
			switch s {
			case StrategyAutoTruncate, StrategySmartSummary, StrategyErrorRetry, StrategyPreEstimate:
				strategies = append(strategies, s)
			default:
				slog.Warn("Ignoring unknown history strategy", "strategy", s)
			}
		}
		if len(strategies) > 0 {
			cfg.Strategies = strategies
		}
	}

	readInt := func(key string, dst *int) {
		if v, ok := data[key]; ok {
			switch n := v.(type) {
			case float64:
				*dst = int(n)
			case int:
				*dst = n
			}
		}
	}
	readInt("max_messages", &cfg.MaxMessages)
	readInt("max_chars", &cfg.MaxChars)
	readInt("summary_keep_recent", &cfg.SummaryKeepRecent)
	readInt("summary_threshold", &cfg.SummaryThreshold)
	readInt("summary_max_length", &cfg.SummaryMaxLength)
	readInt("retry_max_messages", &cfg.RetryMaxMessages)
	readInt("max_retries", &cfg.MaxRetries)
	readInt("estimate_threshold", &cfg.EstimateThreshold)
	readInt("summary_cache_min_delta_messages", &cfg.SummaryCacheMinDeltaMessages)
	readInt("summary_cache_min_delta_chars", &cfg.SummaryCacheMinDeltaChars)
	readInt("summary_cache_max_age_seconds", &cfg.SummaryCacheMaxAgeSeconds)
	readInt("summary_cache_max_entries", &cfg.SummaryCacheMaxEntries)

	if v, ok := data["chars_per_token"].(float64); ok {
		cfg.CharsPerToken = v
	}
	if v, ok := data["summary_cache_enabled"].(bool); ok {
		cfg.SummaryCacheEnabled = BoolPtr(v)
	}
	if v, ok := data["add_warning_header"].(bool); ok {
		cfg.AddWarningHeader = BoolPtr(v)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
