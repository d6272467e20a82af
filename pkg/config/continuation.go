package config

import "fmt"

// ContinuationConfig configures automatic continuation of truncated
// responses.
type ContinuationConfig struct {
	// Enabled toggles the continuation engine (CONTINUATION_ENABLED).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// MaxContinuations caps follow-up rounds per request (MAX_CONTINUATIONS).
	MaxContinuations int `yaml:"max_continuations,omitempty" json:"max_continuations,omitempty"`

	// MaxTokens is the token budget per follow-up (CONTINUATION_MAX_TOKENS).
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// TruncatedEndingChars is how much of the truncated tail is echoed into
	// the follow-up prompt.
	TruncatedEndingChars int `yaml:"truncated_ending_chars,omitempty" json:"truncated_ending_chars,omitempty"`

	// EmptyFailureLimit stops after this many consecutive continuations
	// that produced no usable text.
	EmptyFailureLimit int `yaml:"empty_failure_limit,omitempty" json:"empty_failure_limit,omitempty"`

	// LogContinuations logs each round at info level.
	LogContinuations *bool `yaml:"log_continuations,omitempty" json:"log_continuations,omitempty"`
}

// SetDefaults sets default values for ContinuationConfig.
func (c *ContinuationConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxContinuations == 0 {
		c.MaxContinuations = 5
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.TruncatedEndingChars == 0 {
		c.TruncatedEndingChars = 500
	}
	if c.EmptyFailureLimit == 0 {
		c.EmptyFailureLimit = 3
	}
	if c.LogContinuations == nil {
		c.LogContinuations = BoolPtr(true)
	}
}

// Validate validates the ContinuationConfig.
func (c *ContinuationConfig) Validate() error {
	if c.MaxContinuations < 0 {
		return fmt.Errorf("max_continuations must be non-negative")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// IsEnabled returns true if continuation is enabled.
func (c *ContinuationConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}
