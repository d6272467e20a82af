package config

import "fmt"

// StreamConfig tunes SSE output chunking.
type StreamConfig struct {
	// TextChunkSize is the max code points per text_delta event
	// (STREAM_TEXT_CHUNK_SIZE).
	TextChunkSize int `yaml:"text_chunk_size,omitempty" json:"text_chunk_size,omitempty"`

	// ToolJSONChunkSize is the max code points per input_json_delta event
	// (STREAM_TOOL_JSON_CHUNK_SIZE).
	ToolJSONChunkSize int `yaml:"tool_json_chunk_size,omitempty" json:"tool_json_chunk_size,omitempty"`

	// ThinkingChunkSize is the max code points per thinking_delta event
	// (STREAM_THINKING_CHUNK_SIZE). Defaults to TextChunkSize.
	ThinkingChunkSize int `yaml:"thinking_chunk_size,omitempty" json:"thinking_chunk_size,omitempty"`
}

// SetDefaults sets default values for StreamConfig.
func (c *StreamConfig) SetDefaults() {
	if c.TextChunkSize == 0 {
		c.TextChunkSize = 2000
	}
	if c.ToolJSONChunkSize == 0 {
		c.ToolJSONChunkSize = 2000
	}
	if c.ThinkingChunkSize == 0 {
		c.ThinkingChunkSize = c.TextChunkSize
	}
}

// Validate validates the StreamConfig.
func (c *StreamConfig) Validate() error {
	if c.TextChunkSize < 1 || c.ToolJSONChunkSize < 1 || c.ThinkingChunkSize < 1 {
		return fmt.Errorf("chunk sizes must be positive")
	}
	return nil
}
