package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockList_UnmarshalString(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg)
	require.NoError(t, err)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, BlockText, msg.Content[0].Type)
	assert.Equal(t, "hello", msg.Content[0].Text)
}

func TestBlockList_UnmarshalArray(t *testing.T) {
	raw := `{"role":"assistant","content":[
		{"type":"text","text":"let me check"},
		{"type":"tool_use","id":"toolu_abc","name":"read_file","input":{"path":"main.go"}}
	]}`
	var msg Message
	err := json.Unmarshal([]byte(raw), &msg)
	require.NoError(t, err)
	require.Len(t, msg.Content, 2)
	assert.True(t, msg.Content[1].IsToolUse())
	assert.Equal(t, "read_file", msg.Content[1].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, msg.Content[1].InputMap())
}

func TestBlockList_UnmarshalRejectsObject(t *testing.T) {
	var l BlockList
	err := l.UnmarshalJSON([]byte(`{"type":"text"}`))
	assert.Error(t, err)
}

func TestResultBlocks_StringOrArray(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string content", `{"type":"tool_result","tool_use_id":"t1","content":"file saved"}`, "file saved"},
		{"block content", `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b ContentBlock
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &b))
			assert.Equal(t, tt.want, b.Content.Text())
		})
	}
}

func TestSystemPrompt_StringAndBlocks(t *testing.T) {
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[],"system":"be brief"}`), &req))
	assert.Equal(t, "be brief", req.System.Text())

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","messages":[],"system":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}`), &req))
	assert.Equal(t, "one\ntwo", req.System.Text())
}

func TestContentBlock_PlainTextRedacted(t *testing.T) {
	b := ContentBlock{Type: BlockRedactedThinking, Data: "opaque"}
	assert.Equal(t, "", b.PlainText())
}

func TestCloneMessages_DeepCopy(t *testing.T) {
	orig := []Message{
		{Role: "user", Content: BlockList{{Type: BlockText, Text: "hi"}}},
		{Role: "assistant", Content: BlockList{
			{Type: BlockToolUse, ID: "t1", Name: "f", Input: json.RawMessage(`{"a":1}`)},
		}},
	}
	cloned := CloneMessages(orig)
	cloned[0].Content[0].Text = "changed"
	cloned[1].Content[0].Input[1] = 'x'

	assert.Equal(t, "hi", orig[0].Content[0].Text)
	assert.Equal(t, json.RawMessage(`{"a":1}`), orig[1].Content[0].Input)
}

func TestLastUserText(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: BlockList{{Type: BlockText, Text: "first"}}},
		{Role: "assistant", Content: BlockList{{Type: BlockText, Text: "reply"}}},
		{Role: "user", Content: BlockList{{Type: BlockText, Text: "second"}}},
	}
	assert.Equal(t, "second", LastUserText(msgs))
	assert.Equal(t, "", LastUserText(nil))
}

func TestCountToolUses(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: BlockList{
			{Type: BlockToolUse, ID: "1", Name: "a"},
			{Type: BlockText, Text: "x"},
			{Type: BlockToolUse, ID: "2", Name: "b"},
		}},
	}
	assert.Equal(t, 2, CountToolUses(msgs))
}

func TestChunkDelta_ToolCallUnmarshal(t *testing.T) {
	raw := `{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read","arguments":"{\"p"}}]},"finish_reason":null}]}`
	var chunk ChatChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &chunk))
	require.Len(t, chunk.Choices, 1)
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	require.NotNil(t, tc.Index)
	assert.Equal(t, 0, *tc.Index)
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, `{"p`, tc.Function.Arguments)
}
