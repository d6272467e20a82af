package protocol

import "encoding/json"

// Kiro-native conversation wire types used by the converse endpoint.

// KiroRequest is the Kiro-native request envelope.
type KiroRequest struct {
	ConversationState KiroConversationState `json:"conversationState"`
	ModelID           string                `json:"modelId"`
	InferenceConfig   KiroInferenceConfig   `json:"inferenceConfig"`
}

// KiroConversationState carries the current turn, history, and system prompt.
type KiroConversationState struct {
	CurrentMessage KiroHistoryEntry   `json:"currentMessage"`
	History        []KiroHistoryEntry `json:"history"`
	SystemPrompt   string             `json:"systemPrompt,omitempty"`
}

// KiroHistoryEntry is either a user or an assistant turn; exactly one of the
// two fields is set.
type KiroHistoryEntry struct {
	UserInputMessage         *KiroUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *KiroAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// IsUser reports whether the entry is a user turn.
func (e *KiroHistoryEntry) IsUser() bool {
	return e.UserInputMessage != nil
}

// KiroUserInputMessage is a user turn.
type KiroUserInputMessage struct {
	Content    string                `json:"content"`
	ModelID    string                `json:"modelId,omitempty"`
	Origin     string                `json:"origin,omitempty"`
	ToolConfig *KiroToolConfig       `json:"toolConfig,omitempty"`
	Context    *KiroUserInputContext `json:"userInputMessageContext,omitempty"`
}

// KiroUserInputContext holds tool results answering the previous assistant
// turn's tool uses.
type KiroUserInputContext struct {
	ToolResults []KiroToolResult `json:"toolResults,omitempty"`
}

// KiroAssistantResponseMessage is an assistant turn.
type KiroAssistantResponseMessage struct {
	Content  string        `json:"content"`
	ModelID  string        `json:"modelId,omitempty"`
	ToolUses []KiroToolUse `json:"toolUses,omitempty"`
}

// KiroToolUse is an assistant tool invocation.
type KiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// KiroToolResult answers a tool use. Status is "success" or "error".
type KiroToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	Status    string `json:"status"`
}

// KiroToolConfig carries the available tool specifications.
type KiroToolConfig struct {
	Tools []KiroTool `json:"tools"`
}

// KiroTool wraps one tool specification.
type KiroTool struct {
	ToolSpecification KiroToolSpecification `json:"toolSpecification"`
}

// KiroToolSpecification describes a callable tool. Descriptions are capped
// at 500 characters by the converter.
type KiroToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema KiroInputSchema `json:"inputSchema"`
}

// KiroInputSchema wraps the JSON schema of a tool's input.
type KiroInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// KiroInferenceConfig sets sampling parameters for a Kiro request.
type KiroInferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
}
