package config

// TranslateConfig tunes the Anthropic to OpenAI request conversion.
//
// The size guards exist for misbehaving clients and are all disabled by
// default; conversion is lossless unless a guard is switched on.
type TranslateConfig struct {
	// NativeTools passes tool definitions through as OpenAI tools[] instead
	// of embedding a tool-call instruction in the system prompt
	// (NATIVE_TOOLS_ENABLED).
	NativeTools *bool `yaml:"native_tools,omitempty" json:"native_tools,omitempty"`

	// NativeToolsFallback keeps the inline-marker parser active even when
	// native tools are on, for models that answer in text anyway.
	NativeToolsFallback *bool `yaml:"native_tools_fallback,omitempty" json:"native_tools_fallback,omitempty"`

	// EnsureUserEnding appends a synthetic user message when the converted
	// transcript would end with an assistant or tool turn.
	EnsureUserEnding *bool `yaml:"ensure_user_ending,omitempty" json:"ensure_user_ending,omitempty"`

	// CleanSystem strips client boilerplate header lines from the system
	// prompt.
	CleanSystem *bool `yaml:"clean_system,omitempty" json:"clean_system,omitempty"`

	// MergeSameRole merges consecutive messages of the same role.
	MergeSameRole *bool `yaml:"merge_same_role,omitempty" json:"merge_same_role,omitempty"`

	// TruncateEnabled enables the size guards below.
	TruncateEnabled *bool `yaml:"truncate_enabled,omitempty" json:"truncate_enabled,omitempty"`

	MaxMessages        int `yaml:"max_messages,omitempty" json:"max_messages,omitempty"`
	MaxTotalChars      int `yaml:"max_total_chars,omitempty" json:"max_total_chars,omitempty"`
	MaxSingleContent   int `yaml:"max_single_content,omitempty" json:"max_single_content,omitempty"`
	ToolInputMaxChars  int `yaml:"tool_input_max_chars,omitempty" json:"tool_input_max_chars,omitempty"`
	ToolResultMaxChars int `yaml:"tool_result_max_chars,omitempty" json:"tool_result_max_chars,omitempty"`

	// ToolDescMaxChars caps tool descriptions in the generated instruction.
	ToolDescMaxChars int `yaml:"tool_desc_max_chars,omitempty" json:"tool_desc_max_chars,omitempty"`

	// ToolParamDescMaxChars caps per-parameter descriptions.
	ToolParamDescMaxChars int `yaml:"tool_param_desc_max_chars,omitempty" json:"tool_param_desc_max_chars,omitempty"`

	// EmptyAssistantPlaceholder substitutes empty assistant content, which
	// some upstreams reject.
	EmptyAssistantPlaceholder string `yaml:"empty_assistant_placeholder,omitempty" json:"empty_assistant_placeholder,omitempty"`
}

// SetDefaults sets default values for TranslateConfig.
func (c *TranslateConfig) SetDefaults() {
	if c.NativeTools == nil {
		c.NativeTools = BoolPtr(true)
	}
	if c.NativeToolsFallback == nil {
		c.NativeToolsFallback = BoolPtr(true)
	}
	if c.EnsureUserEnding == nil {
		c.EnsureUserEnding = BoolPtr(true)
	}
	if c.CleanSystem == nil {
		c.CleanSystem = BoolPtr(false)
	}
	if c.MergeSameRole == nil {
		c.MergeSameRole = BoolPtr(false)
	}
	if c.TruncateEnabled == nil {
		c.TruncateEnabled = BoolPtr(false)
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 200
	}
	if c.MaxTotalChars == 0 {
		c.MaxTotalChars = 1000000
	}
	if c.MaxSingleContent == 0 {
		c.MaxSingleContent = 300000
	}
	if c.ToolInputMaxChars == 0 {
		c.ToolInputMaxChars = 200000
	}
	if c.ToolResultMaxChars == 0 {
		c.ToolResultMaxChars = 300000
	}
	if c.ToolDescMaxChars == 0 {
		c.ToolDescMaxChars = 8000
	}
	if c.ToolParamDescMaxChars == 0 {
		c.ToolParamDescMaxChars = 4000
	}
	if c.EmptyAssistantPlaceholder == "" {
		c.EmptyAssistantPlaceholder = " "
	}
}
