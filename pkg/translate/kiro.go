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
	"strings"

	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
)

// Kiro-native conversion. Unlike the OpenAI path, tool calls stay structured
// here; the cost is Kiro's strict turn alternation and tool pairing rules.

const (
	kiroToolDescriptionCap = 500
	kiroDefaultMaxTokens   = 8192
)

// MapKiroModel maps an Anthropic model name onto a Kiro model identifier.
func MapKiroModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		if hasVersion(model, "4.5", "4-5") {
			return "claude-opus-4.5"
		}
		return "claude-opus-4"
	case strings.Contains(lower, "sonnet"):
		if hasVersion(model, "4.5", "4-5") {
			return "claude-sonnet-4.5"
		}
		if hasVersion(model, "3.7", "3-7") {
			return "claude-sonnet-3.7"
		}
		return "claude-sonnet-4"
	case strings.Contains(lower, "haiku"):
		if hasVersion(model, "4.5", "4-5") {
			return "claude-haiku-4.5"
		}
		return "claude-haiku-4"
	default:
		return "claude-sonnet-4"
	}
}

func hasVersion(model string, variants ...string) bool {
	for _, v := range variants {
		if strings.Contains(model, v) {
			return true
		}
	}
	return false
}

// AnthropicToKiro converts a Messages request into a Kiro-native request.
// The last user message becomes currentMessage; everything before it becomes
// history, repaired to Kiro's alternation and tool-pairing rules.
func AnthropicToKiro(req *protocol.MessagesRequest) *protocol.KiroRequest {
	var (
		userContent string
		toolResults []protocol.KiroToolResult
		history     []protocol.KiroHistoryEntry
	)

	for i := range req.Messages {
		msg := &req.Messages[i]
		if i == len(req.Messages)-1 && msg.Role == "user" {
			userContent = extractText(msg.Content)
			toolResults = userToolResults(msg.Content)
			continue
		}
		switch msg.Role {
		case "user":
			entry := protocol.KiroUserInputMessage{Content: extractText(msg.Content)}
			if results := userToolResults(msg.Content); len(results) > 0 {
				entry.Context = &protocol.KiroUserInputContext{ToolResults: results}
			}
			history = append(history, protocol.KiroHistoryEntry{UserInputMessage: &entry})
		case "assistant":
			text, uses := assistantContent(msg.Content)
			if text == "" {
				// Kiro rejects empty assistant content.
				text = " "
			}
			entry := protocol.KiroAssistantResponseMessage{Content: text, ToolUses: uses}
			history = append(history, protocol.KiroHistoryEntry{AssistantResponseMessage: &entry})
		}
	}

	history = FixHistoryAlternation(history)

	if userContent == "" {
		userContent = "Hello"
	}
	current := protocol.KiroUserInputMessage{Content: userContent}
	if len(req.Tools) > 0 {
		current.ToolConfig = &protocol.KiroToolConfig{Tools: kiroTools(req.Tools)}
	}
	if len(toolResults) > 0 {
		current.Context = &protocol.KiroUserInputContext{ToolResults: toolResults}
	}

	out := &protocol.KiroRequest{
		ConversationState: protocol.KiroConversationState{
			CurrentMessage: protocol.KiroHistoryEntry{UserInputMessage: &current},
			History:        history,
			SystemPrompt:   req.System.Text(),
		},
		ModelID: MapKiroModel(req.Model),
		InferenceConfig: protocol.KiroInferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: 1.0,
			TopP:        1.0,
		},
	}
	if out.InferenceConfig.MaxTokens == 0 {
		out.InferenceConfig.MaxTokens = kiroDefaultMaxTokens
	}
	if req.Temperature != nil {
		out.InferenceConfig.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.InferenceConfig.TopP = *req.TopP
	}
	return out
}

// extractText joins text and tool-result text from a block list, skipping
// tool uses and thinking.
func extractText(blocks protocol.BlockList) string {
	var parts []string
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case protocol.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case protocol.BlockToolResult:
			if text := b.Content.Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// assistantContent splits an assistant turn into its text and its
// structured tool uses.
func assistantContent(blocks protocol.BlockList) (string, []protocol.KiroToolUse) {
	var (
		parts []string
		uses  []protocol.KiroToolUse
	)
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case protocol.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case protocol.BlockToolUse:
			id := b.ID
			if id == "" {
				id = NewToolID()
			}
			input := b.Input
			if len(input) == 0 {
				input = []byte("{}")
			}
			uses = append(uses, protocol.KiroToolUse{ToolUseID: id, Name: b.Name, Input: input})
		}
	}
	return strings.Join(parts, "\n"), uses
}

func userToolResults(blocks protocol.BlockList) []protocol.KiroToolResult {
	var results []protocol.KiroToolResult
	for i := range blocks {
		b := &blocks[i]
		if b.Type != protocol.BlockToolResult {
			continue
		}
		status := "success"
		if b.IsError {
			status = "error"
		}
		results = append(results, protocol.KiroToolResult{
			ToolUseID: b.ToolUseID,
			Content:   b.Content.Text(),
			Status:    status,
		})
	}
	return results
}

// FixHistoryAlternation repairs a Kiro history to the rules the upstream
// enforces: turns strictly alternate user/assistant, the history ends on an
// assistant turn, and toolUses on an assistant turn pair with toolResults on
// the following user turn. Orphaned uses or results are dropped with a
// warning, since the drop loses conversation content.
func FixHistoryAlternation(history []protocol.KiroHistoryEntry) []protocol.KiroHistoryEntry {
	if len(history) == 0 {
		return nil
	}

	fixed := make([]protocol.KiroHistoryEntry, 0, len(history)+2)
	for _, entry := range history {
		if len(fixed) > 0 {
			lastIsUser := fixed[len(fixed)-1].IsUser()
			if entry.IsUser() && lastIsUser {
				fixed = append(fixed, placeholderAssistant())
			} else if !entry.IsUser() && !lastIsUser {
				fixed = append(fixed, placeholderUser())
			}
		}
		fixed = append(fixed, entry)
	}
	if fixed[len(fixed)-1].IsUser() {
		fixed = append(fixed, placeholderAssistant())
	}

	for i := 0; i+1 < len(fixed); i++ {
		assistant := fixed[i].AssistantResponseMessage
		if assistant == nil {
			continue
		}
		user := fixed[i+1].UserInputMessage
		if user == nil {
			continue
		}
		hasUses := len(assistant.ToolUses) > 0
		hasResults := user.Context != nil && len(user.Context.ToolResults) > 0
		if hasUses && !hasResults {
			logger.GetLogger().Warn("Dropping orphaned toolUses from history",
				"turn", i, "count", len(assistant.ToolUses))
			assistant.ToolUses = nil
		} else if !hasUses && hasResults {
			logger.GetLogger().Warn("Dropping orphaned toolResults from history",
				"turn", i+1, "count", len(user.Context.ToolResults))
			user.Context = nil
		}
	}
	return fixed
}

func placeholderAssistant() protocol.KiroHistoryEntry {
	return protocol.KiroHistoryEntry{
		AssistantResponseMessage: &protocol.KiroAssistantResponseMessage{Content: "I understand."},
	}
}

func placeholderUser() protocol.KiroHistoryEntry {
	return protocol.KiroHistoryEntry{
		UserInputMessage: &protocol.KiroUserInputMessage{Content: "Please continue."},
	}
}

func kiroTools(tools []protocol.Tool) []protocol.KiroTool {
	out := make([]protocol.KiroTool, 0, len(tools))
	for _, t := range tools {
		desc := t.Description
		if len(desc) > kiroToolDescriptionCap {
			desc = desc[:kiroToolDescriptionCap-3] + "..."
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = []byte(`{"type":"object","properties":{}}`)
		}
		out = append(out, protocol.KiroTool{
			ToolSpecification: protocol.KiroToolSpecification{
				Name:        t.Name,
				Description: desc,
				InputSchema: protocol.KiroInputSchema{JSON: schema},
			},
		})
	}
	return out
}
