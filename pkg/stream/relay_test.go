package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/upstream"
)

func relayAgainst(t *testing.T, handler http.HandlerFunc) []any {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := upstream.New(config.UpstreamConfig{BaseURL: srv.URL, APIKey: "k", MaxRetries: 1})

	sink := &Capture{}
	p := New(sink, Options{RequestID: "r1", Model: "claude-sonnet-4", InputTokens: 25})
	err := Relay(context.Background(), client, &protocol.ChatRequest{Model: "claude-sonnet-4"}, upstream.Tag{Prefix: "req", ID: "r1"}, p)
	require.NoError(t, err)
	return sink.Events
}

func TestRelay_EndToEndText(t *testing.T) {
	events := relayAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w,
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n",
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2}}\n\n",
			"data: [DONE]\n\n",
		)
	})

	assert.Equal(t, "Hello world", joinedText(events))
	delta := messageDelta(t, events)
	assert.Equal(t, protocol.StopEndTurn, delta.Delta.StopReason)
	assert.Equal(t, 2, delta.Usage.OutputTokens)
}

func TestRelay_UpstreamErrorBecomesTextBlock(t *testing.T) {
	events := relayAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"backend down"}}`)
	})

	assert.Equal(t, "[API Error 503] backend down", joinedText(events))
	delta := messageDelta(t, events)
	assert.Equal(t, protocol.StopEndTurn, delta.Delta.StopReason)
	assert.Equal(t, 10, delta.Usage.OutputTokens)
}
