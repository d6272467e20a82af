package server

import (
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

// newTestServer wires a gateway against a stub upstream. Routing is disabled
// so the requested model reaches the upstream untouched.
func newTestServer(t *testing.T, upstreamHandler http.HandlerFunc, mutate func(*config.Config)) (http.Handler, *Server) {
	t.Helper()

	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Upstream.BaseURL = up.URL
	cfg.Upstream.APIKey = "test-key"
	cfg.Router.Enabled = config.BoolPtr(false)
	cfg.Enhance.Summary.Enabled = config.BoolPtr(false)
	cfg.Enhance.Context.Enabled = config.BoolPtr(false)
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, Options{})
	require.NoError(t, err)
	return s.Handler(), s
}

func sseBody(frames ...string) string {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("data: " + f + "\n\n")
	}
	return sb.String()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	for _, path := range []string{"/", "/v1/health", "/api/v1/health"} {
		w := doJSON(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "relay", body["service"])
		assert.Equal(t, "1.0.0", body["version"])
		assert.NotZero(t, body["timestamp"])
	}
}

func TestListModels(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int    `json:"created"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 6)
	assert.Equal(t, "claude-opus-4-5-20251101", body.Data[0].ID)
	for _, m := range body.Data {
		assert.Equal(t, "model", m.Object)
		assert.Equal(t, 1699900000, m.Created)
		assert.Equal(t, "anthropic", m.OwnedBy)
	}
}

func TestCountTokens(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	body := `{"model":"claude-sonnet-4","system":"be brief","messages":[{"role":"user","content":"hello world"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/messages/count_tokens", body)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	// ("be brief" + "hello world") / 4 chars per token
	assert.Equal(t, (8+11)/4, out["input_tokens"])
}

func TestCountTokens_MissingMessages(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodPost, "/v1/messages/count_tokens", `{"model":"m"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var out protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "invalid_request_error", out.Error.Type)
}

func TestAdminConfig(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodGet, "/admin/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotEmpty(t, out["kiro_proxy_url"])
	hc, ok := out["history_config"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 30, hc["max_messages"])
}

func TestAdminHistoryConfig_ReplaceAndReject(t *testing.T) {
	h, s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodPost, "/admin/config/history", `{"max_messages":12}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 12, s.snapshot().History.MaxMessages)

	w = doJSON(t, h, http.MethodPost, "/admin/config/history", `{"max_chars":10}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 12, s.snapshot().History.MaxMessages, "rejected update leaves config untouched")
}

func TestRoutingStatsAndReset(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodGet, "/admin/routing/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	routing, ok := out["routing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, routing["enabled"])
	assert.Contains(t, routing, "stats")
	assert.Contains(t, routing, "config")

	w = doJSON(t, h, http.MethodPost, "/admin/routing/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Routing stats reset")
}

func TestMessages_InvalidBody(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodPost, "/v1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/messages", `{"model":"m","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessages_NonStream(t *testing.T) {
	var gotModel string
	var gotMaxTokens int
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		gotMaxTokens = req.MaxTokens
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hi there."}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3}}`,
			"[DONE]",
		))
	}, nil)

	body := `{"model":"claude-sonnet-4","max_tokens":2000,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp protocol.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.True(t, strings.HasPrefix(resp.ID, "msg_"))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hi there.", resp.Content[0].Text)
	assert.Equal(t, protocol.StopEndTurn, resp.StopReason)
	assert.Equal(t, 9, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)

	assert.Equal(t, "claude-sonnet-4", gotModel)
	assert.Equal(t, 2000, gotMaxTokens)
}

func TestMessages_DefaultModelAndMaxTokens(t *testing.T) {
	var gotMaxTokens int
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMaxTokens = req.MaxTokens
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"ok"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		))
	}, nil)

	w := doJSON(t, h, http.MethodPost, "/v1/messages", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	assert.Equal(t, defaultMaxTokens, gotMaxTokens)
}

func TestMessages_Stream(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Streaming answer."}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":4}}`,
			"[DONE]",
		))
	}, nil)

	body := `{"model":"claude-sonnet-4","max_tokens":2000,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	out := w.Body.String()
	assert.Contains(t, out, "event: message_start")
	assert.Contains(t, out, "Streaming answer.")
	assert.Contains(t, out, "event: message_delta")
	assert.Contains(t, out, "event: message_stop")
}

func TestMessages_StreamUpstreamError(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"当前没有可用的 token"}}`)
	}, nil)

	body := `{"model":"claude-sonnet-4","max_tokens":2000,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusOK, w.Code, "stream errors surface in-band")
	assert.Contains(t, w.Body.String(), "上游服务错误")
	assert.Contains(t, w.Body.String(), "event: message_stop")
}

func TestMessages_NonStreamUpstreamError(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"当前没有可用的 token"}}`)
	}, nil)

	body := `{"model":"claude-sonnet-4","max_tokens":2000,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/messages", body)
	require.NotEqual(t, http.StatusOK, w.Code)

	var out protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "error", out.Type)
	assert.Equal(t, "api_error", out.Error.Type)
}

func TestMessages_RequestIDEchoed(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"ok"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		))
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("X-Request-ID", "my-id-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "my-id-42", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Response-Time"))
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "messages is required")
}

func TestChatCompletions_NonStreamPassthrough(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/kiro/v1/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"pong"}}]}`)
	}, nil)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"ping"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pong"`)
}

func TestChatCompletions_StreamRelaysBytes(t *testing.T) {
	frames := sseBody(
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		"[DONE]",
	)
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}, nil)

	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, frames, w.Body.String(), "stream relays upstream bytes untouched")
}

func TestChatCompletions_StreamErrorEndsWithDone(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}, nil)

	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"api_error"`)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))
}

func TestChatCompletions_NonStreamErrorPassthrough(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"error":{"message":"teapot"}}`)
	}, nil)

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, w.Body.String(), "teapot")
}

func TestChatCompletions_LengthErrorRetries(t *testing.T) {
	attempts := 0
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("X-Request-ID"), "summary_") {
			// History summarization side call during the retry.
			fmt.Fprint(w, `{"id":"chatcmpl-s","choices":[{"message":{"role":"assistant","content":"earlier turns summarized"}}]}`)
			return
		}
		attempts++
		var req protocol.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if attempts == 1 {
			assert.Len(t, req.Messages, 12)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Input is too long for requested model"}}`)
			return
		}
		assert.True(t, len(req.Messages) < 12, "retry carries shortened history")
		fmt.Fprint(w, `{"id":"chatcmpl-2","choices":[{"message":{"role":"assistant","content":"recovered"}}]}`)
	}, func(cfg *config.Config) {
		cfg.History.Strategies = []string{config.StrategyErrorRetry}
		cfg.History.RetryMaxMessages = 6
		cfg.History.MaxRetries = 2
		cfg.History.EstimateThreshold = 1000000
	})

	var msgs []string
	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, fmt.Sprintf(`{"role":%q,"content":"turn %d"}`, role, i))
	}
	body := fmt.Sprintf(`{"model":"claude-sonnet-4","messages":[%s]}`, strings.Join(msgs, ","))

	w := doJSON(t, h, http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, attempts)
	assert.Contains(t, w.Body.String(), "recovered")
}

func TestDebugUpstreamEmptyByDefault(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodGet, "/admin/debug/upstream", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.EqualValues(t, 0, out["count"])
}

func TestSummaryStats(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	w := doJSON(t, h, http.MethodGet, "/admin/async-summary/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "async_summary")
}

func TestCORSPreflights(t *testing.T) {
	h, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
