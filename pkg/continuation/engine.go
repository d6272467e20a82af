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

package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/upstream"
)

const (
	minContinuationTextLength = 10
	overlapCheckLimit         = 2000

	// exhaustedFallback replaces an empty result after every continuation
	// failed, so clients get a message instead of a blank response.
	exhaustedFallback = "[系统提示] 请求处理遇到问题，请稍后重试或简化您的请求。"
)

const continuationPrompt = `Your previous response was truncated. Please continue EXACTLY from where you stopped.

IMPORTANT:
- Do NOT repeat any content you already generated
- Do NOT add any preamble or explanation
- Continue the JSON/tool call from the exact character where it was cut off
- If you were in the middle of a tool call, complete it properly

Your truncated response ended with:
` + "```\n%s\n```" + `

Continue from here:`

// errorMarkers disqualify text from being continued: a response that is an
// error message should not be extended.
var errorMarkers = []string{"[上游服务错误]", "[Tool Error]", "Error:", "error:"}

// continuation replies sometimes open with a preamble despite the prompt;
// these are stripped before merging.
var rePreambles = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^Continuing from.*?:`),
	regexp.MustCompile(`(?i)^Here is the rest of the response:`),
	regexp.MustCompile(`(?i)^Continuing the JSON:`),
	regexp.MustCompile("^```json[ \t]*"),
	regexp.MustCompile("^```[ \t]*"),
}

// FetchFunc runs one streamed upstream exchange.
type FetchFunc func(ctx context.Context, req *protocol.ChatRequest) (*upstream.StreamResult, error)

// Accumulated is the final assembled response across all rounds. The stop
// reason is never max_tokens: forced termination reports end_turn so
// clients do not surface an error.
type Accumulated struct {
	Text            string
	FinishReason    string
	StreamCompleted bool
	InputTokens     int
	OutputTokens    int
	ToolCalls       []upstream.ToolCallAcc
	Continuations   int

	// Err is the upstream error that terminated the loop, if any. Its
	// surface text is already part of Text.
	Err *upstream.UpstreamError
}

// Engine drives the continuation loop over a fetch function.
type Engine struct {
	cfg   config.ContinuationConfig
	fetch FetchFunc
	log   *slog.Logger
}

// NewEngine builds an engine; fetch performs the actual upstream calls.
func NewEngine(cfg config.ContinuationConfig, fetch FetchFunc) *Engine {
	cfg.SetDefaults()
	return &Engine{cfg: cfg, fetch: fetch, log: logger.GetLogger()}
}

// Fetch runs the initial request and keeps continuing while the response
// looks truncated, up to the configured cap. Upstream errors terminate the
// loop; retryable ones (rate limit, timeout, 5xx) reuse the current slot
// once before giving up.
func (e *Engine) Fetch(ctx context.Context, chatReq *protocol.ChatRequest, requestID string) (*Accumulated, error) {
	acc := &Accumulated{FinishReason: protocol.StopEndTurn}
	originalMessages := append([]protocol.ChatMessage(nil), chatReq.Messages...)

	current := *chatReq
	consecutiveEmpty := 0
	retriedSlot := false

	for round := 0; round <= e.cfg.MaxContinuations; round++ {
		result, err := e.fetch(ctx, &current)
		if err != nil {
			return nil, err
		}

		// Retry the slot before accounting or merging: neither the error
		// surface text nor the failed attempt's usage belongs in the
		// accumulated response when the retry succeeds.
		if result.Err != nil && result.Err.Retryable && round > 0 && !retriedSlot {
			retriedSlot = true
			round--
			e.log.Warn("Continuation hit retryable upstream error, retrying slot",
				"request_id", requestID, "kind", string(result.Err.Kind))
			continue
		}

		acc.InputTokens += result.InputTokens
		acc.OutputTokens += result.OutputTokens

		if round == 0 {
			acc.Text = result.Text
		} else {
			acc.Text = Merge(acc.Text, result.Text)
		}
		acc.ToolCalls = append(acc.ToolCalls, result.ToolCalls...)

		if result.Err != nil {
			e.log.Warn("Upstream error, stopping continuation",
				"request_id", requestID, "kind", string(result.Err.Kind))
			acc.Err = result.Err
			acc.FinishReason = protocol.StopEndTurn
			acc.StreamCompleted = true
			break
		}
		retriedSlot = false

		// An empty continuation is a failed attempt: re-issue the same
		// follow-up request until the failure limit trips.
		if round > 0 && strings.TrimSpace(result.Text) == "" && len(result.ToolCalls) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= e.cfg.EmptyFailureLimit {
				e.log.Error("Consecutive empty continuations, giving up",
					"request_id", requestID, "failures", consecutiveEmpty)
				acc.FinishReason = protocol.StopEndTurn
				acc.StreamCompleted = true
				break
			}
			continue
		}
		consecutiveEmpty = 0

		info := Detect(acc.Text, result.StreamCompleted, result.FinishReason)
		if !info.IsTruncated {
			acc.FinishReason = result.FinishReason
			acc.StreamCompleted = true
			break
		}
		if !e.cfg.IsEnabled() {
			acc.FinishReason = result.FinishReason
			acc.StreamCompleted = result.StreamCompleted
			break
		}
		if len(strings.TrimSpace(acc.Text)) < minContinuationTextLength {
			e.log.Warn("Accumulated text too short to continue",
				"request_id", requestID, "len", len(acc.Text))
			acc.FinishReason = result.FinishReason
			acc.StreamCompleted = result.StreamCompleted
			break
		}
		if round >= e.cfg.MaxContinuations {
			e.log.Warn("Continuation cap reached",
				"request_id", requestID, "cap", e.cfg.MaxContinuations)
			acc.FinishReason = protocol.StopEndTurn
			acc.StreamCompleted = false
			break
		}

		next, ok, why := e.buildContinuation(&current, originalMessages, acc.Text)
		if !ok {
			e.log.Warn("Continuation rejected", "request_id", requestID, "reason", why)
			acc.FinishReason = protocol.StopEndTurn
			acc.StreamCompleted = true
			break
		}
		if config.BoolValue(e.cfg.LogContinuations, true) {
			e.log.Info("Continuing truncated response",
				"request_id", requestID, "round", round+1,
				"reason", string(info.Reason), "confidence", info.Confidence,
				"accumulated_len", len(acc.Text))
		}
		current = *next
		acc.Continuations++
	}

	if strings.TrimSpace(acc.Text) == "" && len(acc.ToolCalls) == 0 && acc.Continuations > 0 {
		e.log.Error("Continuation exhausted without usable content", "request_id", requestID)
		acc.Text = exhaustedFallback
		acc.FinishReason = protocol.StopEndTurn
		acc.StreamCompleted = true
	}
	return acc, nil
}

// buildContinuation assembles the follow-up request: the original history,
// the truncated reply as an assistant turn, and the continue prompt.
func (e *Engine) buildContinuation(base *protocol.ChatRequest, original []protocol.ChatMessage, accumulated string) (*protocol.ChatRequest, bool, string) {
	trimmed := strings.TrimSpace(accumulated)
	if trimmed == "" {
		return nil, false, "accumulated text empty"
	}
	if len(trimmed) < minContinuationTextLength {
		return nil, false, fmt.Sprintf("accumulated text too short (%d)", len(trimmed))
	}
	for _, marker := range errorMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return nil, false, "accumulated text is an error message"
		}
	}

	ending := accumulated
	if len(ending) > e.cfg.TruncatedEndingChars {
		start := len(ending) - e.cfg.TruncatedEndingChars
		// Never slice mid-rune: the prompt echoes this tail verbatim.
		for start < len(ending) && !utf8.RuneStart(ending[start]) {
			start++
		}
		ending = ending[start:]
	}

	next := *base
	next.Messages = append(append([]protocol.ChatMessage(nil), original...),
		protocol.ChatMessage{Role: "assistant", Content: accumulated},
		protocol.ChatMessage{Role: "user", Content: fmt.Sprintf(continuationPrompt, ending)},
	)
	next.MaxTokens = e.cfg.MaxTokens
	return &next, true, ""
}

// Merge joins a continuation onto the accumulated text: known preambles are
// stripped, then the longest overlap between the old tail and the new head
// is deduplicated before concatenating.
func Merge(original, continuation string) string {
	if continuation == "" {
		return original
	}
	clean := strings.TrimLeft(continuation, " \t\r\n")
	for _, re := range rePreambles {
		if loc := re.FindStringIndex(clean); loc != nil && loc[0] == 0 {
			clean = strings.TrimLeft(clean[loc[1]:], " \t\r\n")
		}
	}

	limit := min3(overlapCheckLimit, len(original), len(clean))
	if limit > 0 {
		tail := original[len(original)-limit:]
		for k := limit; k > 0; k-- {
			if strings.HasPrefix(clean, tail[len(tail)-k:]) {
				clean = clean[k:]
				break
			}
		}
	}
	return original + clean
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
