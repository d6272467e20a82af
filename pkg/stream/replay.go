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

package stream

import (
	stdjson "encoding/json"
	"strings"

	"github.com/kadirpekel/relay/pkg/continuation"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/tokens"
	"github.com/kadirpekel/relay/pkg/translate"
	"github.com/kadirpekel/relay/pkg/upstream"
)

// Assemble renders an accumulated response as ordered content blocks plus
// the final stop reason. Truncated responses drop tool calls whose input
// failed to parse; when every tool call is invalid the whole response falls
// back to plain text so clients never act on garbage input.
func Assemble(acc *continuation.Accumulated, requestID string) ([]protocol.ContentBlock, string) {
	log := logger.GetLogger()

	finish := acc.FinishReason
	if finish == protocol.StopMaxTokens || finish == "" {
		finish = protocol.StopEndTurn
	}

	cleaned := translate.CleanHallucinations(acc.Text)
	if cleaned != acc.Text {
		log.Warn("Hallucinated tool output removed from accumulated response",
			"request_id", requestID, "removed", len(acc.Text)-len(cleaned))
	}

	blocks := translate.ParseInlineBlocks(cleaned)

	// Native tool calls arrived structured; their ids mark them as trusted
	// during the truncation filter below.
	nativeIDs := make(map[string]bool)
	for i := range acc.ToolCalls {
		if acc.ToolCalls[i].Name == "" {
			continue
		}
		b := nativeToolBlock(&acc.ToolCalls[i])
		nativeIDs[b.ID] = true
		blocks = append(blocks, b)
	}
	blocks = translate.ExpandThinkingBlocks(blocks)

	info := continuation.Detect(acc.Text, acc.StreamCompleted, acc.FinishReason)
	if info.IsTruncated {
		blocks = filterTruncatedTools(blocks, nativeIDs, acc.Text, requestID)
	}

	for i := range blocks {
		if blocks[i].Type == protocol.BlockToolUse {
			finish = protocol.StopToolUse
			break
		}
	}
	return blocks, finish
}

// filterTruncatedTools keeps only trustworthy tool calls out of a truncated
// response: native ones and inline ones that parsed cleanly. With no
// survivors the raw text stands in for everything.
func filterTruncatedTools(blocks []protocol.ContentBlock, nativeIDs map[string]bool, rawText, requestID string) []protocol.ContentBlock {
	log := logger.GetLogger()

	var valid []protocol.ContentBlock
	rest := make([]protocol.ContentBlock, 0, len(blocks))
	for i := range blocks {
		if blocks[i].Type != protocol.BlockToolUse {
			rest = append(rest, blocks[i])
			continue
		}
		input := blocks[i].InputMap()
		_, parseErr := input["_parse_error"]
		_, raw := input["_raw"]
		if nativeIDs[blocks[i].ID] || (!parseErr && !raw) {
			valid = append(valid, blocks[i])
			continue
		}
		log.Warn("Dropping invalid tool call from truncated response",
			"request_id", requestID, "tool", blocks[i].Name)
	}

	if len(valid) > 0 {
		log.Info("Recovered valid tool calls after truncation",
			"request_id", requestID, "count", len(valid))
		return append(rest, valid...)
	}
	return []protocol.ContentBlock{{Type: protocol.BlockText, Text: rawText}}
}

// nativeToolBlock converts one accumulated native call into a tool_use
// block. Arguments that fail strict JSON parsing are preserved raw.
func nativeToolBlock(call *upstream.ToolCallAcc) protocol.ContentBlock {
	input := map[string]any{}
	if args := call.Arguments; args != "" {
		if err := stdjson.Unmarshal([]byte(args), &input); err != nil {
			if len(args) > nativeRawInputCap {
				args = args[:nativeRawInputCap]
			}
			input = map[string]any{"_raw": args, "_parse_error": "Invalid JSON"}
		}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		payload = []byte("{}")
	}
	return protocol.ContentBlock{
		Type:  protocol.BlockToolUse,
		ID:    call.ID,
		Name:  call.Name,
		Input: stdjson.RawMessage(payload),
	}
}

// FinishBlocks emits pre-structured content blocks and closes the message.
// Used by the Kiro-native path where the upstream already returns blocks.
func (p *Pipeline) FinishBlocks(blocks []protocol.ContentBlock, finish string, outputTokens int) error {
	if finish == protocol.StopMaxTokens || finish == "" {
		finish = protocol.StopEndTurn
	}
	if p.emitBlocks(blocks) {
		finish = protocol.StopToolUse
	}
	if !p.emitted {
		p.emit(&protocol.ContentBlockStartEvent{
			Type:         protocol.EventContentBlockStart,
			ContentBlock: protocol.ContentBlock{Type: protocol.BlockText},
		})
		p.emit(&protocol.ContentBlockStopEvent{Type: protocol.EventContentBlockStop})
	}
	if outputTokens == 0 {
		var sb strings.Builder
		for i := range blocks {
			sb.WriteString(blocks[i].Text)
		}
		outputTokens = tokens.Estimate(sb.String())
	}
	p.finishMessage(finish, outputTokens)
	return p.err
}

// Replay emits an accumulated response through the pipeline as if it had
// streamed live. Used after the continuation engine has assembled the full
// text across rounds.
func (p *Pipeline) Replay(acc *continuation.Accumulated) error {
	blocks, finish := Assemble(acc, p.opts.RequestID)

	p.emitBlocks(blocks)
	if !p.emitted {
		p.emit(&protocol.ContentBlockStartEvent{
			Type:         protocol.EventContentBlockStart,
			ContentBlock: protocol.ContentBlock{Type: protocol.BlockText},
		})
		p.emit(&protocol.ContentBlockStopEvent{Type: protocol.EventContentBlockStop})
	}

	output := acc.OutputTokens
	if output == 0 {
		output = tokens.Estimate(acc.Text)
	}
	p.finishMessage(finish, output)
	p.log.Info("Replay finished",
		"request_id", p.opts.RequestID, "text_len", len(acc.Text),
		"continuations", acc.Continuations, "finish", finish)
	return p.err
}
