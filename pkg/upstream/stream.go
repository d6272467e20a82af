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

package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/tokens"
)

const maxSSELineBytes = 4 << 20

// ToolCallAcc is one native tool call assembled from streamed deltas.
type ToolCallAcc struct {
	ID        string
	Name      string
	Arguments string
}

// StreamResult is the outcome of one streamed upstream exchange. Err is set
// when the upstream failed; Text then carries the client-facing error line.
// StreamCompleted is false when the stream died before its terminator,
// which the continuation engine treats as truncation.
type StreamResult struct {
	Text            string
	FinishReason    string
	StreamCompleted bool
	InputTokens     int
	OutputTokens    int
	ToolCalls       []ToolCallAcc
	Err             *UpstreamError
}

// FetchStream runs one streamed chat completion against the Kiro proxy and
// accumulates it. finish_reason "length" surfaces as max_tokens so the
// continuation engine can react; the final client response normalizes it.
func (c *Client) FetchStream(ctx context.Context, chatReq *protocol.ChatRequest, tag Tag) (*StreamResult, error) {
	return c.FetchStreamWith(ctx, chatReq, tag, nil)
}

// FetchStreamWith is FetchStream with a live chunk hook: onChunk sees every
// parsed chunk in arrival order, before it is folded into the result.
func (c *Client) FetchStreamWith(ctx context.Context, chatReq *protocol.ChatRequest, tag Tag, onChunk func(*protocol.ChatChunk)) (*StreamResult, error) {
	chatReq.Stream = true
	if chatReq.StreamOptions == nil {
		chatReq.StreamOptions = &protocol.StreamOptions{IncludeUsage: true}
	}

	req, err := c.newRequest(ctx, chatCompletionsPath, chatReq, tag)
	if err != nil {
		return nil, err
	}

	result := &StreamResult{FinishReason: protocol.StopEndTurn}

	resp, err := c.http.HTTPClient().Do(req)
	if err != nil {
		ue := &UpstreamError{Kind: KindUnknown, Message: err.Error()}
		result.FinishReason = "error"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			ue.Kind = KindTimeout
			ue.Retryable = true
			result.FinishReason = "timeout"
		}
		result.Err = ue
		c.log.Error("Upstream stream request failed", "request", tag.Prefix, "error", err)
		return result, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		ue := Classify(resp.StatusCode, raw)
		c.log.Error("Upstream stream error",
			"status", resp.StatusCode, "kind", string(ue.Kind), "message", truncate(ue.Message, 200))
		result.Text = ue.Surface()
		result.FinishReason = "error"
		result.StreamCompleted = true
		result.Err = ue
		return result, nil
	}

	var text strings.Builder
	acc := newToolCallAccumulator()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "[DONE]" {
			result.StreamCompleted = true
			continue
		}

		var chunk protocol.ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if onChunk != nil {
			onChunk(&chunk)
		}
		if chunk.Usage != nil {
			if chunk.Usage.PromptTokens > 0 {
				result.InputTokens = chunk.Usage.PromptTokens
			}
			if chunk.Usage.CompletionTokens > 0 {
				result.OutputTokens = chunk.Usage.CompletionTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			result.StreamCompleted = true
			switch *choice.FinishReason {
			case "tool_calls":
				result.FinishReason = protocol.StopToolUse
			case "length":
				result.FinishReason = protocol.StopMaxTokens
			case "stop":
				result.FinishReason = protocol.StopEndTurn
			}
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
		}
		for i := range choice.Delta.ToolCalls {
			acc.apply(&choice.Delta.ToolCalls[i])
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Error("Upstream stream interrupted", "request", tag.Prefix, "error", err)
		result.StreamCompleted = false
	}

	result.Text = text.String()
	result.ToolCalls = acc.calls()
	if result.OutputTokens == 0 {
		result.OutputTokens = tokens.Estimate(result.Text)
	}
	c.log.Info("Upstream stream finished",
		"request", tag.Prefix, "text_len", len(result.Text),
		"finish", result.FinishReason, "completed", result.StreamCompleted,
		"tool_calls", len(result.ToolCalls))
	return result, nil
}

// toolCallAccumulator assembles streamed tool-call deltas. Chunks belonging
// to one call are matched by id when present, by index otherwise; arrival
// order is preserved.
type toolCallAccumulator struct {
	order   []string
	entries map[string]*ToolCallAcc
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{entries: make(map[string]*ToolCallAcc)}
}

func (a *toolCallAccumulator) apply(delta *protocol.ToolCallDelta) {
	key := delta.ID
	if key == "" && delta.Index != nil {
		key = fmt.Sprintf("index_%d", *delta.Index)
	}
	if key == "" {
		key = fmt.Sprintf("idx_%d", len(a.entries))
	}

	entry, ok := a.entries[key]
	if !ok {
		entry = &ToolCallAcc{ID: delta.ID}
		if entry.ID == "" {
			entry.ID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
		a.entries[key] = entry
		a.order = append(a.order, key)
	}
	if delta.ID != "" {
		entry.ID = delta.ID
	}
	if delta.Function.Name != "" {
		entry.Name = delta.Function.Name
	}
	entry.Arguments += delta.Function.Arguments
}

func (a *toolCallAccumulator) calls() []ToolCallAcc {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCallAcc, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, *a.entries[key])
	}
	return out
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
