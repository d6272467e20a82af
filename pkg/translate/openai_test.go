package translate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/relay/pkg/protocol"
)

func userMsg(text string) protocol.Message {
	return protocol.Message{Role: "user", Content: protocol.BlockList{{Type: protocol.BlockText, Text: text}}}
}

func assistantMsg(text string) protocol.Message {
	return protocol.Message{Role: "assistant", Content: protocol.BlockList{{Type: protocol.BlockText, Text: text}}}
}

func TestAnthropicToOpenAI_Basic(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		System:    protocol.NewSystemPrompt("be brief"),
		Messages:  []protocol.Message{userMsg("hi")},
		MaxTokens: 100,
		Stream:    true,
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be brief", out.Messages[0].Content)
	assert.Equal(t, "hi", out.Messages[1].Content)
	require.NotNil(t, out.StreamOptions)
	assert.True(t, out.StreamOptions.IncludeUsage)
}

func TestAnthropicToOpenAI_EmptyConversation(t *testing.T) {
	out := AnthropicToOpenAI(&protocol.MessagesRequest{Model: "m"}, ConvertOptions{})
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "Hello", out.Messages[0].Content)
}

func TestAnthropicToOpenAI_SystemOnlyGetsUserTurn(t *testing.T) {
	req := &protocol.MessagesRequest{Model: "m", System: protocol.NewSystemPrompt("rules")}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "Hello", out.Messages[1].Content)
}

func TestAnthropicToOpenAI_TrailingAssistantGetsContinue(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model:    "m",
		Messages: []protocol.Message{userMsg("go"), assistantMsg("partial")},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	last := out.Messages[len(out.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "Please continue.", last.Content)
}

func TestAnthropicToOpenAI_TrailingToolResultsGetContinue(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model: "m",
		Messages: []protocol.Message{
			userMsg("run it"),
			{Role: "assistant", Content: protocol.BlockList{
				{Type: protocol.BlockToolUse, ID: "t1", Name: "run", Input: []byte(`{"cmd":"ls"}`)},
			}},
			{Role: "user", Content: protocol.BlockList{
				{Type: protocol.BlockToolResult, ToolUseID: "t1", Content: protocol.ResultBlocks{{Type: protocol.BlockText, Text: "a.go"}}},
			}},
		},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	last := out.Messages[len(out.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "[Tool Result]\na.go")
	assert.Contains(t, last.Content, "Please continue based on the tool results above.")
}

func TestAnthropicToOpenAI_ToolUseFlattened(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model: "m",
		Messages: []protocol.Message{
			{Role: "assistant", Content: protocol.BlockList{
				{Type: protocol.BlockText, Text: "checking"},
				{Type: protocol.BlockToolUse, ID: "t1", Name: "read_file", Input: []byte(`{"path":"x"}`)},
			}},
			userMsg("ok"),
		},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	assert.Equal(t, "checking\n[Calling tool: read_file]\nInput: {\"path\":\"x\"}", out.Messages[0].Content)
}

func TestAnthropicToOpenAI_EmptyToolResultFallbacks(t *testing.T) {
	okBlock := protocol.ContentBlock{Type: protocol.BlockToolResult, ToolUseID: "t1"}
	assert.Equal(t, "[Tool Result]\nOK", flattenToolResult(&okBlock))

	errBlock := protocol.ContentBlock{Type: protocol.BlockToolResult, ToolUseID: "t1", IsError: true}
	assert.Equal(t, "[Tool Error]\nError", flattenToolResult(&errBlock))
}

func TestAnthropicToOpenAI_DoublePrefixAvoided(t *testing.T) {
	b := protocol.ContentBlock{
		Type:      protocol.BlockToolResult,
		ToolUseID: "t1",
		Content:   protocol.ResultBlocks{{Type: protocol.BlockText, Text: "[Tool Result]\nalready wrapped"}},
	}
	assert.Equal(t, "[Tool Result]\nalready wrapped", flattenToolResult(&b))
}

func TestAnthropicToOpenAI_ThinkingDropped(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model: "m",
		Messages: []protocol.Message{
			{Role: "assistant", Content: protocol.BlockList{
				{Type: protocol.BlockThinking, Thinking: "internal"},
				{Type: protocol.BlockText, Text: "visible"},
			}},
			userMsg("next"),
		},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	assert.Equal(t, "visible", out.Messages[0].Content)
}

func TestAnthropicToOpenAI_MergeSameRole(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model:    "m",
		Messages: []protocol.Message{userMsg("one"), userMsg("two")},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{MergeSameRole: true})
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "one\n\ntwo", out.Messages[0].Content)
}

func TestAnthropicToOpenAI_InlineToolInstruction(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model:  "m",
		System: protocol.NewSystemPrompt("rules"),
		Tools: []protocol.Tool{{
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: []byte(`{"type":"object","properties":{"path":{"type":"string","description":"File path"}},"required":["path"]}`),
		}},
		Messages: []protocol.Message{userMsg("go")},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{InlineTools: true})
	system := out.Messages[0].Content
	assert.True(t, strings.HasPrefix(system, "rules\n\n# Tool Call Format"))
	assert.Contains(t, system, "### read_file")
	assert.Contains(t, system, "  - path: string (required) - File path")
	assert.Empty(t, out.Tools)
}

func TestAnthropicToOpenAI_NativeTools(t *testing.T) {
	req := &protocol.MessagesRequest{
		Model:      "m",
		Tools:      []protocol.Tool{{Name: "f", InputSchema: []byte(`{"type":"object"}`)}},
		ToolChoice: &protocol.ToolChoice{Type: "any"},
		Messages:   []protocol.Message{userMsg("go")},
	}
	out := AnthropicToOpenAI(req, ConvertOptions{})
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, `"required"`, string(out.ToolChoice))
}

func TestBuildToolInstruction_DescriptionCapped(t *testing.T) {
	tool := protocol.Tool{Name: "big", Description: strings.Repeat("d", toolDescriptionCap+10)}
	out := BuildToolInstruction([]protocol.Tool{tool})
	assert.Contains(t, out, strings.Repeat("d", toolDescriptionCap)+"...")
	assert.NotContains(t, out, strings.Repeat("d", toolDescriptionCap+1))
}

func TestToolCallsToBlocks(t *testing.T) {
	calls := []protocol.ToolCall{
		{ID: "call_1", Function: protocol.FunctionCall{Name: "read", Arguments: `{"p":"x"}`}},
		{Function: protocol.FunctionCall{Name: "empty", Arguments: ""}},
		{ID: "call_3", Function: protocol.FunctionCall{Name: "bad", Arguments: "{nope"}},
	}
	blocks := ToolCallsToBlocks(calls)
	require.Len(t, blocks, 3)
	assert.Equal(t, "call_1", blocks[0].ID)
	assert.Equal(t, map[string]any{"p": "x"}, blocks[0].InputMap())
	assert.True(t, strings.HasPrefix(blocks[1].ID, "toolu_"))
	assert.Equal(t, map[string]any{}, blocks[1].InputMap())
	assert.Contains(t, blocks[2].InputMap(), "_parse_error")
}

func TestOpenAIToAnthropic_InlineToolCall(t *testing.T) {
	resp := &protocol.ChatResponse{
		ID: "chatcmpl-abc",
		Choices: []protocol.ChatChoice{{
			Message: protocol.ChatMessage{
				Role:    "assistant",
				Content: "On it.\n[Calling tool: run]\nInput: {\"cmd\": \"ls\"}",
			},
			FinishReason: "stop",
		}},
		Usage: &protocol.ChatUsage{PromptTokens: 10, CompletionTokens: 5},
	}
	out := OpenAIToAnthropic(resp, "claude-sonnet-4-5")
	assert.Equal(t, "msg_abc", out.ID)
	assert.Equal(t, protocol.StopToolUse, out.StopReason)
	require.Len(t, out.Content, 2)
	assert.Equal(t, 10, out.Usage.InputTokens)
}

func TestOpenAIToAnthropic_LengthFinish(t *testing.T) {
	resp := &protocol.ChatResponse{
		Choices: []protocol.ChatChoice{{
			Message:      protocol.ChatMessage{Role: "assistant", Content: "cut off"},
			FinishReason: "length",
		}},
	}
	out := OpenAIToAnthropic(resp, "m")
	assert.Equal(t, protocol.StopMaxTokens, out.StopReason)
}

func TestOpenAIToAnthropic_EmptyChoices(t *testing.T) {
	out := OpenAIToAnthropic(&protocol.ChatResponse{}, "m")
	require.Len(t, out.Content, 1)
	assert.Equal(t, protocol.BlockText, out.Content[0].Type)
}
