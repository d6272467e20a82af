// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upstream talks to the Kiro proxy: the OpenAI-compatible chat
// endpoint for the main path and side channels, and the Kiro-native
// converse endpoint when enabled.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/httpclient"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	chatCompletionsPath = "/kiro/v1/chat/completions"
	conversePath        = "/kiro/v1/converse"
)

// Tag identifies one upstream call in the X-Request-ID header. Prefix names
// the surface (req, chat, context, summary); ID is the gateway request id
// and may be empty for side-channel calls.
type Tag struct {
	Prefix string
	ID     string
}

func (t Tag) requestID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if t.ID == "" {
		return fmt.Sprintf("%s_%s", t.Prefix, suffix)
	}
	return fmt.Sprintf("%s_%s_%s", t.Prefix, t.ID, suffix)
}

// Client issues requests to the Kiro proxy over a shared pooled transport.
// Streaming calls bypass the retry loop; non-streaming side calls use it.
type Client struct {
	cfg  config.UpstreamConfig
	http *httpclient.Client
	log  *slog.Logger
}

// New builds a client. HTTP/2 stays off unless configured: the upstream
// balances per connection and multiplexing would pin every request to one.
func New(cfg config.UpstreamConfig) *Client {
	cfg.SetDefaults()
	transport := httpclient.NewTransport(httpclient.TransportOptions{
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxConnections:  cfg.MaxConnections,
		MaxKeepalive:    cfg.MaxKeepalive,
		KeepaliveExpiry: cfg.KeepaliveExpiry,
		EnableHTTP2:     config.BoolValue(cfg.UseHTTP2, false),
		TLS: httpclient.TLSOptions{
			SkipVerify: config.BoolValue(cfg.TLSSkipVerify, false),
			CACert:     cfg.TLSCACert,
		},
	})
	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Transport: transport,
				Timeout:   cfg.ReadTimeout,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(cfg.RetryBaseDelay),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		log: logger.GetLogger(),
	}
}

// UseNative reports whether the Kiro-native converse endpoint is selected.
func (c *Client) UseNative() bool {
	return config.BoolValue(c.cfg.UseNative, false)
}

func (c *Client) newRequest(ctx context.Context, path string, body any, tag Tag) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Request-ID", tag.requestID())
	req.Header.Set("X-Trace-ID", "trace_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	req.Header.Set("X-Client-ID", "client_"+strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return req, nil
}

// Open issues a chat completion and returns the raw HTTP response for
// transparent byte relaying. The retry loop is bypassed: the caller owns
// error handling (length-error retries live in the OpenAI surface) and must
// close the body.
func (c *Client) Open(ctx context.Context, chatReq *protocol.ChatRequest, tag Tag) (*http.Response, error) {
	req, err := c.newRequest(ctx, chatCompletionsPath, chatReq, tag)
	if err != nil {
		return nil, err
	}
	return c.http.HTTPClient().Do(req)
}

// Complete issues a non-streaming chat completion on a side channel and
// returns the assistant text. Used for summary and context extraction calls.
func (c *Client) Complete(ctx context.Context, model, prompt string, maxTokens int, tag Tag) (string, error) {
	body := &protocol.ChatRequest{
		Model:     model,
		Messages:  []protocol.ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
		Stream:    false,
	}
	req, err := c.newRequest(ctx, chatCompletionsPath, body, tag)
	if err != nil {
		return "", err
	}

	start := time.Now()
	// Do returns the last response alongside the error once retries are
	// exhausted; classify from the body whenever one exists.
	resp, err := c.http.Do(req)
	if resp == nil {
		return "", fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return "", fmt.Errorf("failed to read upstream response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Classify(resp.StatusCode, raw)
	}

	var chat protocol.ChatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return "", fmt.Errorf("failed to decode upstream response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("upstream returned no choices")
	}
	c.log.Debug("Upstream completion finished",
		"model", model, "elapsed", time.Since(start), "chars", len(chat.Choices[0].Message.Content))
	return strings.TrimSpace(chat.Choices[0].Message.Content), nil
}
