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

package translate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	toolDescriptionCap  = 8000
	paramDescriptionCap = 4000
)

// ConvertOptions tunes the Anthropic-to-OpenAI conversion.
type ConvertOptions struct {
	// InlineTools encodes tool definitions as a system-prompt instruction
	// and expects tool calls as inline text. When false, tools pass through
	// as native OpenAI tool definitions.
	InlineTools bool
	// MergeSameRole joins consecutive messages of the same role.
	MergeSameRole bool
}

// AnthropicToOpenAI converts a Messages request into a Chat Completions
// request, flattening content blocks to text and encoding tools per opts.
func AnthropicToOpenAI(req *protocol.MessagesRequest, opts ConvertOptions) *protocol.ChatRequest {
	out := &protocol.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}
	if req.Stream {
		out.StreamOptions = &protocol.StreamOptions{IncludeUsage: true}
	}

	system := req.System.Text()
	if len(req.Tools) > 0 {
		if opts.InlineTools {
			instruction := BuildToolInstruction(req.Tools)
			if system != "" {
				system += "\n\n" + instruction
			} else {
				system = instruction
			}
		} else {
			out.Tools = nativeTools(req.Tools)
			out.ToolChoice = nativeToolChoice(req.ToolChoice)
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "system", Content: system})
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		content := flattenBlocks(msg.Content)
		if content == "" {
			continue
		}
		role := msg.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		if opts.MergeSameRole && len(out.Messages) > 0 {
			last := &out.Messages[len(out.Messages)-1]
			if last.Role == role && role != "system" {
				last.Content += "\n\n" + content
				continue
			}
		}
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: role, Content: content})
	}

	// The upstream rejects conversations without a final user turn.
	switch {
	case len(out.Messages) == 0:
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "user", Content: "Hello"})
	case lastNonSystemRole(out.Messages) == "":
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "user", Content: "Hello"})
	case lastNonSystemRole(out.Messages) == "assistant":
		out.Messages = append(out.Messages, protocol.ChatMessage{Role: "user", Content: "Please continue."})
	case endsWithToolResults(req.Messages):
		last := &out.Messages[len(out.Messages)-1]
		last.Content += "\n\nPlease continue based on the tool results above."
	}

	return out
}

func lastNonSystemRole(msgs []protocol.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "system" {
			return msgs[i].Role
		}
	}
	return ""
}

func endsWithToolResults(msgs []protocol.Message) bool {
	if len(msgs) == 0 {
		return false
	}
	last := &msgs[len(msgs)-1]
	found := false
	for i := range last.Content {
		switch last.Content[i].Type {
		case protocol.BlockToolResult:
			found = true
		case protocol.BlockText:
			if strings.TrimSpace(last.Content[i].Text) != "" {
				return false
			}
		}
	}
	return found
}

// flattenBlocks renders content blocks as the inline text protocol. Thinking
// blocks are internal state and never round-trip upstream.
func flattenBlocks(blocks protocol.BlockList) string {
	var parts []string
	for i := range blocks {
		if s := flattenBlock(&blocks[i]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func flattenBlock(b *protocol.ContentBlock) string {
	switch b.Type {
	case protocol.BlockText:
		return b.Text
	case protocol.BlockThinking, protocol.BlockRedactedThinking:
		return ""
	case protocol.BlockToolUse:
		input := string(b.Input)
		if input == "" {
			input = "{}"
		}
		return fmt.Sprintf("%s %s]\nInput: %s", ToolCallMarker, b.Name, input)
	case protocol.BlockToolResult:
		return flattenToolResult(b)
	case protocol.BlockImage:
		mediaType := "image"
		if b.Source != nil && b.Source.MediaType != "" {
			mediaType = b.Source.MediaType
		}
		return fmt.Sprintf("[Image: %s]", mediaType)
	case protocol.BlockDocument:
		name := "document"
		if b.Source != nil && b.Source.MediaType != "" {
			name = b.Source.MediaType
		}
		return fmt.Sprintf("[Document: %s]", name)
	default:
		return ""
	}
}

func flattenToolResult(b *protocol.ContentBlock) string {
	marker := ToolResultMarker
	fallback := "OK"
	if b.IsError {
		marker = ToolErrorMarker
		fallback = "Error"
	}
	text := b.Content.Text()
	if strings.TrimSpace(text) == "" {
		text = fallback
	}
	// Clients sometimes pre-wrap result text with the marker; avoid
	// doubling it.
	if strings.HasPrefix(strings.TrimSpace(text), marker) {
		return text
	}
	return marker + "\n" + text
}

// BuildToolInstruction renders tool definitions as a system-prompt
// instruction teaching the model the inline call format.
func BuildToolInstruction(tools []protocol.Tool) string {
	var sb strings.Builder
	sb.WriteString("# Tool Call Format\n")
	sb.WriteString("\n")
	sb.WriteString("You have access to the following tools. To call a tool, output EXACTLY this format:\n")
	sb.WriteString("\n")
	sb.WriteString("[Calling tool: tool_name]\n")
	sb.WriteString("Input: {\"param\": \"value\"}\n")
	sb.WriteString("\n")
	sb.WriteString("IMPORTANT RULES:\n")
	sb.WriteString("- You MUST use the exact format above to call tools\n")
	sb.WriteString("- The Input MUST be valid JSON on a single line\n")
	sb.WriteString("- You can call multiple tools in sequence\n")
	sb.WriteString("- After each tool call, you will receive the result as [Tool Result]\n")
	sb.WriteString("- NEVER show tool calls as code blocks or plain text - ALWAYS use [Calling tool: ...] format\n")
	sb.WriteString("\n")
	sb.WriteString("## Available Tools\n")
	for _, tool := range tools {
		sb.WriteString("\n### " + tool.Name + "\n")
		if desc := capString(tool.Description, toolDescriptionCap); desc != "" {
			sb.WriteString(desc + "\n")
		}
		writeSchemaParams(&sb, tool.InputSchema)
	}
	return sb.String()
}

func writeSchemaParams(sb *strings.Builder, schema []byte) {
	if len(schema) == 0 {
		return
	}
	var parsed struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return
	}
	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}
	sb.WriteString("Parameters:\n")
	for _, name := range sortedKeys(parsed.Properties) {
		p := parsed.Properties[name]
		line := "  - " + name
		if p.Type != "" {
			line += ": " + p.Type
		}
		if required[name] {
			line += " (required)"
		}
		if desc := capString(p.Description, paramDescriptionCap); desc != "" {
			line += " - " + desc
		}
		sb.WriteString(line + "\n")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func nativeTools(tools []protocol.Tool) []protocol.ChatTool {
	out := make([]protocol.ChatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, protocol.ChatTool{
			Type: "function",
			Function: protocol.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func nativeToolChoice(choice *protocol.ToolChoice) []byte {
	if choice == nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return []byte(`"auto"`)
	case "any":
		return []byte(`"required"`)
	case "tool":
		data, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		})
		return data
	default:
		return nil
	}
}

// ToolCallsToBlocks converts native OpenAI tool calls into tool_use blocks,
// repairing malformed argument JSON.
func ToolCallsToBlocks(calls []protocol.ToolCall) []protocol.ContentBlock {
	blocks := make([]protocol.ContentBlock, 0, len(calls))
	for _, call := range calls {
		id := call.ID
		if id == "" {
			id = NewToolID()
		}
		args := strings.TrimSpace(call.Function.Arguments)
		var input map[string]any
		if args == "" {
			input = map[string]any{}
		} else if parsed, err := ParseJSONObject(args); err == nil {
			input = parsed
		} else {
			input = map[string]any{
				"_raw":         capString(args, rawInputCap),
				"_parse_error": err.Error(),
			}
		}
		blocks = append(blocks, protocol.ContentBlock{
			Type:  protocol.BlockToolUse,
			ID:    id,
			Name:  call.Function.Name,
			Input: mustMarshal(input),
		})
	}
	return blocks
}

// OpenAIToAnthropic converts a non-streaming chat completion into a Messages
// response, recovering inline tool calls and thinking blocks from the text.
func OpenAIToAnthropic(resp *protocol.ChatResponse, model string) *protocol.MessagesResponse {
	out := &protocol.MessagesResponse{
		ID:         "msg_" + strings.ReplaceAll(resp.ID, "chatcmpl-", ""),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: protocol.StopEndTurn,
	}
	if resp.Usage != nil {
		out.Usage = protocol.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if out.ID == "msg_" {
		out.ID = "msg_" + NewToolID()[len("toolu_"):]
	}
	if len(resp.Choices) == 0 {
		out.Content = []protocol.ContentBlock{{Type: protocol.BlockText, Text: ""}}
		return out
	}

	choice := resp.Choices[0]
	var blocks []protocol.ContentBlock
	if len(choice.Message.ToolCalls) > 0 {
		if choice.Message.Content != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: choice.Message.Content})
		}
		blocks = append(blocks, ToolCallsToBlocks(choice.Message.ToolCalls)...)
	} else {
		cleaned := CleanHallucinations(choice.Message.Content)
		blocks = ExpandThinkingBlocks(ParseInlineBlocks(cleaned))
	}
	if len(blocks) == 0 {
		blocks = []protocol.ContentBlock{{Type: protocol.BlockText, Text: ""}}
	}
	out.Content = blocks

	if protocol.HasToolUse(blocks) {
		out.StopReason = protocol.StopToolUse
	} else if choice.FinishReason == "length" {
		out.StopReason = protocol.StopMaxTokens
	}
	return out
}
