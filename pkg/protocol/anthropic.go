// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the wire types the relay translates between:
// the Anthropic Messages API it serves, the OpenAI Chat Completions dialect
// it speaks to the Kiro proxy, and the Kiro-native conversation format.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content block types used by the Anthropic Messages API.
const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockDocument         = "document"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Stop reasons reported on the Anthropic surface.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// ContentBlock is one element of a message's content array. The Type field
// selects which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text, thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// image, document
	Source *MediaSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   ResultBlocks `json:"content,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`

	// redacted_thinking carries opaque data; signature fields ride along
	// on thinking blocks.
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// MediaSource describes an image or document payload.
type MediaSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// PlainText returns the human-readable text of the block. Redacted thinking
// and unknown block types render empty.
func (b *ContentBlock) PlainText() string {
	switch b.Type {
	case BlockText:
		return b.Text
	case BlockThinking:
		return b.Thinking
	case BlockToolResult:
		return b.Content.Text()
	default:
		return ""
	}
}

// IsToolUse reports whether the block is a tool invocation.
func (b *ContentBlock) IsToolUse() bool {
	return b.Type == BlockToolUse
}

// IsToolResult reports whether the block carries a tool result.
func (b *ContentBlock) IsToolResult() bool {
	return b.Type == BlockToolResult
}

// InputMap decodes the tool_use input into a generic map. A missing or
// malformed input yields an empty map.
func (b *ContentBlock) InputMap() map[string]any {
	if len(b.Input) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b.Input, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// BlockList is message content that clients may send either as a bare JSON
// string or as an array of content blocks. A string unmarshals to a single
// text block.
type BlockList []ContentBlock

func (l *BlockList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = BlockList{{Type: BlockText, Text: s}}
		return nil
	}
	if trimmed == "null" {
		*l = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	*l = blocks
	return nil
}

// Text concatenates the plain text of all blocks.
func (l BlockList) Text() string {
	var sb strings.Builder
	for i := range l {
		sb.WriteString(l[i].PlainText())
	}
	return sb.String()
}

// ResultBlocks is tool_result content: a bare string, an array of blocks,
// or absent.
type ResultBlocks []ContentBlock

func (r *ResultBlocks) UnmarshalJSON(data []byte) error {
	return (*BlockList)(r).UnmarshalJSON(data)
}

// Text concatenates the text of all result blocks, newline separated.
func (r ResultBlocks) Text() string {
	parts := make([]string, 0, len(r))
	for i := range r {
		if t := r[i].PlainText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Message is one turn of an Anthropic conversation.
type Message struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
}

// Text returns the concatenated plain text of the message content.
func (m *Message) Text() string {
	return m.Content.Text()
}

// SystemPrompt accepts the Anthropic system field as either a string or an
// array of text blocks.
type SystemPrompt struct {
	blocks BlockList
	raw    string
	isText bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "\"") {
		s.isText = true
		return json.Unmarshal(data, &s.raw)
	}
	return json.Unmarshal(data, &s.blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.isText {
		return json.Marshal(s.raw)
	}
	if s.blocks == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.blocks)
}

// Text flattens the system prompt to a single string; block texts are
// joined with newlines.
func (s *SystemPrompt) Text() string {
	if s.isText {
		return s.raw
	}
	parts := make([]string, 0, len(s.blocks))
	for i := range s.blocks {
		if t := s.blocks[i].PlainText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// IsEmpty reports whether no system prompt was supplied.
func (s *SystemPrompt) IsEmpty() bool {
	return s.Text() == ""
}

// NewSystemPrompt wraps a plain string as a system prompt.
func NewSystemPrompt(text string) SystemPrompt {
	return SystemPrompt{raw: text, isText: true}
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice selects how the model may use tools.
type ToolChoice struct {
	Type string `json:"type,omitempty"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

// Thinking enables extended thinking on a request.
type Thinking struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// RequestMetadata carries client-supplied request metadata.
type RequestMetadata struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// MessagesRequest is the Anthropic Messages API request body.
type MessagesRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	System        SystemPrompt     `json:"system,omitempty"`
	Tools         []Tool           `json:"tools,omitempty"`
	ToolChoice    *ToolChoice      `json:"tool_choice,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	Metadata      *RequestMetadata `json:"metadata,omitempty"`
	Thinking      *Thinking        `json:"thinking,omitempty"`
}

// Usage is the Anthropic token accounting block.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorResponse is the Anthropic error envelope. The same shape doubles as
// the SSE `error` event payload.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner Anthropic error object.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error envelope of the given kind.
func NewError(kind, message string) *ErrorResponse {
	return &ErrorResponse{Type: "error", Error: ErrorBody{Type: kind, Message: message}}
}

// MessagesResponse is the non-streaming Anthropic response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// CloneMessages deep-copies a message slice so translators can mutate
// working copies without touching the caller's request.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = Message{Role: msgs[i].Role, Content: cloneBlocks(msgs[i].Content)}
	}
	return out
}

func cloneBlocks(blocks BlockList) BlockList {
	if blocks == nil {
		return nil
	}
	out := make(BlockList, len(blocks))
	for i := range blocks {
		b := blocks[i]
		if b.Input != nil {
			b.Input = append(json.RawMessage(nil), b.Input...)
		}
		if b.Source != nil {
			src := *b.Source
			b.Source = &src
		}
		if b.Content != nil {
			b.Content = ResultBlocks(cloneBlocks(BlockList(b.Content)))
		}
		out[i] = b
	}
	return out
}

// LastUserText returns the plain text of the most recent user message.
func LastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Text()
		}
	}
	return ""
}

// CountUserMessages counts the user turns in a conversation.
func CountUserMessages(msgs []Message) int {
	n := 0
	for i := range msgs {
		if msgs[i].Role == "user" {
			n++
		}
	}
	return n
}

// HasToolUse reports whether any block in the slice is a tool_use.
func HasToolUse(blocks []ContentBlock) bool {
	for i := range blocks {
		if blocks[i].IsToolUse() {
			return true
		}
	}
	return false
}

// CountToolUses counts tool_use blocks across all messages.
func CountToolUses(msgs []Message) int {
	n := 0
	for i := range msgs {
		for j := range msgs[i].Content {
			if msgs[i].Content[j].IsToolUse() {
				n++
			}
		}
	}
	return n
}
