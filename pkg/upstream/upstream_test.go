package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/protocol"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.UpstreamConfig{BaseURL: srv.URL, APIKey: "test-key", MaxRetries: 1})
}

func sseBody(frames ...string) string {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("data: " + f + "\n\n")
	}
	return sb.String()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      ErrorKind
		retryable bool
	}{
		{"malformed", 400, `{"error":{"message":"Improperly formed request"}}`, KindMalformedRequest, false},
		{"token exhausted", 403, `{"error":{"message":"当前没有可用的 token"}}`, KindTokenExhausted, false},
		{"token limit", 403, `{"error":{"message":"no Token available"}}`, KindTokenExhausted, false},
		{"rate limited status", 429, `{"error":{"message":"slow down"}}`, KindRateLimit, true},
		{"rate limited text", 503, `{"error":{"message":"rate limit reached"}}`, KindRateLimit, true},
		{"timeout", 504, `{"error":{"message":"upstream timeout"}}`, KindTimeout, true},
		{"bad request", 400, `{"error":{"message":"whatever"}}`, KindBadRequest, false},
		{"server error", 502, `{"error":{"message":"bad gateway"}}`, KindServerError, true},
		{"unparseable body", 418, `plain text failure`, KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ue := Classify(tt.status, []byte(tt.body))
			assert.Equal(t, tt.kind, ue.Kind)
			assert.Equal(t, tt.retryable, ue.Retryable)
			assert.Equal(t, tt.status, ue.StatusCode)
		})
	}
}

func TestClassify_MessageCapped(t *testing.T) {
	ue := Classify(500, []byte(strings.Repeat("x", 2000)))
	assert.Len(t, ue.Message, 500)
}

func TestTag_RequestID(t *testing.T) {
	withID := Tag{Prefix: "req", ID: "abc123"}.requestID()
	assert.Regexp(t, `^req_abc123_[0-9a-f]{8}$`, withID)

	bare := Tag{Prefix: "context"}.requestID()
	assert.Regexp(t, `^context_[0-9a-f]{8}$`, bare)
}

func TestFetchStream_AccumulatesTextAndUsage(t *testing.T) {
	var gotAuth, gotReqID string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hello "}}]}`,
			`{"choices":[{"delta":{"content":"world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`,
			"[DONE]",
		))
	})

	result, err := c.FetchStream(context.Background(), &protocol.ChatRequest{Model: "claude-sonnet-4"}, Tag{Prefix: "req", ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Text)
	assert.Equal(t, protocol.StopEndTurn, result.FinishReason)
	assert.True(t, result.StreamCompleted)
	assert.Equal(t, 12, result.InputTokens)
	assert.Equal(t, 5, result.OutputTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Regexp(t, `^req_r1_[0-9a-f]{8}$`, gotReqID)
}

func TestFetchStream_ToolCallAccumulation(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"ci"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"SF\"}"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"name":"get_time","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			"[DONE]",
		))
	})

	result, err := c.FetchStream(context.Background(), &protocol.ChatRequest{Model: "claude-sonnet-4"}, Tag{Prefix: "req"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StopToolUse, result.FinishReason)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, "call_1", result.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", result.ToolCalls[0].Name)
	assert.Equal(t, `{"city":"SF"}`, result.ToolCalls[0].Arguments)
	assert.Equal(t, "get_time", result.ToolCalls[1].Name)
	assert.True(t, strings.HasPrefix(result.ToolCalls[1].ID, "toolu_"))
}

func TestFetchStream_LengthMapsToMaxTokens(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"partial"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"length"}]}`,
			"[DONE]",
		))
	})

	result, err := c.FetchStream(context.Background(), &protocol.ChatRequest{Model: "m"}, Tag{Prefix: "req"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StopMaxTokens, result.FinishReason)
}

func TestFetchStream_IncompleteStream(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		// No [DONE], no finish_reason: the stream just stops.
		fmt.Fprint(w, sseBody(`{"choices":[{"delta":{"content":"cut off"}}]}`))
	})

	result, err := c.FetchStream(context.Background(), &protocol.ChatRequest{Model: "m"}, Tag{Prefix: "req"})
	require.NoError(t, err)
	assert.Equal(t, "cut off", result.Text)
	assert.False(t, result.StreamCompleted)
	assert.Positive(t, result.OutputTokens, "estimated when usage missing")
}

func TestFetchStream_UpstreamError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"当前没有可用的 token"}}`)
	})

	result, err := c.FetchStream(context.Background(), &protocol.ChatRequest{Model: "m"}, Tag{Prefix: "req"})
	require.NoError(t, err)
	require.NotNil(t, result.Err)
	assert.Equal(t, KindTokenExhausted, result.Err.Kind)
	assert.Equal(t, "error", result.FinishReason)
	assert.True(t, result.StreamCompleted)
	assert.Equal(t, "[上游服务错误] 当前没有可用的 token", result.Text)
}

func TestComplete(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/kiro/v1/chat/completions", r.URL.Path)
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "claude-haiku-4-5-20251001", req.Model)
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"  summary text  "}}]}`)
	})

	out, err := c.Complete(context.Background(), "claude-haiku-4-5-20251001", "summarize", 2000, Tag{Prefix: "summary"})
	require.NoError(t, err)
	assert.Equal(t, "summary text", out)
}

func TestComplete_ErrorClassified(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Improperly formed request"}}`)
	})

	_, err := c.Complete(context.Background(), "m", "p", 100, Tag{Prefix: "summary"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, KindMalformedRequest, ue.Kind)
}

func TestConverse(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/kiro/v1/converse", r.URL.Path)
		fmt.Fprint(w, `{
			"output":{"message":{"content":[
				{"type":"text","text":"Checking the weather."},
				{"type":"toolUse","toolUseId":"tu_1","name":"get_weather","input":{"city":"SF"}}
			]},"stopReason":"tool_use"},
			"usage":{"inputTokens":42,"outputTokens":17}
		}`)
	})

	result, err := c.Converse(context.Background(), &protocol.KiroRequest{ModelID: "claude-sonnet-4"}, Tag{Prefix: "req"})
	require.NoError(t, err)
	require.Len(t, result.Blocks, 2)
	assert.Equal(t, "Checking the weather.", result.Blocks[0].Text)
	assert.Equal(t, protocol.BlockToolUse, result.Blocks[1].Type)
	assert.Equal(t, "tu_1", result.Blocks[1].ID)
	assert.Equal(t, "tool_use", result.StopReason)
	assert.Equal(t, 42, result.InputTokens)
	assert.Equal(t, 17, result.OutputTokens)
}

func TestConverseStream(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"assistantResponseEvent":{"content":"Hello"}}`,
			`{"toolUseEvent":{"toolUseId":"tu_2","name":"bash","input":{"cmd":"ls"},"stop":true}}`,
			"[DONE]",
		))
	})

	var texts []string
	var toolNames []string
	err := c.ConverseStream(context.Background(), &protocol.KiroRequest{ModelID: "m"}, Tag{Prefix: "req"}, func(e *KiroStreamEvent) {
		if e.AssistantResponseEvent != nil {
			texts = append(texts, e.AssistantResponseEvent.Content)
		}
		if e.ToolUseEvent != nil {
			toolNames = append(toolNames, e.ToolUseEvent.Name)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, texts)
	assert.Equal(t, []string{"bash"}, toolNames)
}
