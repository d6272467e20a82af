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
	"log/slog"
	"strconv"
	"strings"

	stdjson "encoding/json"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/tokens"
	"github.com/kadirpekel/relay/pkg/translate"
	"github.com/kadirpekel/relay/pkg/upstream"
)

const (
	apiErrorMessageCap = 200
	nativeRawInputCap  = 2000
	errorOutputTokens  = 10
)

// Options configure one streamed message.
type Options struct {
	RequestID string
	Model     string

	// InputTokens is the pre-estimated prompt size reported in
	// message_start; CacheReadTokens is subtracted from it when the async
	// summary cache paid for part of the prompt.
	InputTokens     int
	CacheReadTokens int

	Config config.StreamConfig
}

// Pipeline converts upstream chat deltas into Anthropic SSE events.
//
// Text passes through until the inline tool-call marker appears in the
// accumulated stream; from that point everything is buffered and re-parsed
// into structured blocks at stream end. No byte of the marker is ever
// forwarded: a chunk ending in a marker prefix is held back until the next
// chunk confirms or refutes it.
type Pipeline struct {
	em   Emitter
	log  *slog.Logger
	opts Options

	blockIndex int
	textOpen   bool
	buffering  bool
	holdback   string
	emitted    bool

	accumulated strings.Builder
	buffered    strings.Builder

	err error
}

// New builds a pipeline writing to em.
func New(em Emitter, opts Options) *Pipeline {
	opts.Config.SetDefaults()
	return &Pipeline{em: em, log: logger.GetLogger(), opts: opts}
}

func (p *Pipeline) emit(event any) {
	if p.err != nil {
		return
	}
	p.err = p.em.Emit(event)
}

// Start opens the message. Cache-billed tokens move from input_tokens to
// cache_read_input_tokens so the client sees the simulated savings.
func (p *Pipeline) Start() error {
	input := p.opts.InputTokens - p.opts.CacheReadTokens
	if input < 0 {
		input = 0
	}
	p.emit(&protocol.MessageStartEvent{
		Type: protocol.EventMessageStart,
		Message: protocol.StreamedHead{
			ID:      "msg_" + p.opts.RequestID,
			Type:    "message",
			Role:    "assistant",
			Content: []protocol.ContentBlock{},
			Model:   p.opts.Model,
			Usage: protocol.Usage{
				InputTokens:          input,
				CacheReadInputTokens: p.opts.CacheReadTokens,
			},
		},
	})
	return p.err
}

// Text feeds one upstream content delta through the pass-through/buffer
// switch.
func (p *Pipeline) Text(content string) error {
	if content == "" {
		return p.err
	}
	p.accumulated.WriteString(content)
	if p.buffering {
		p.buffered.WriteString(content)
		return p.err
	}

	combined := p.holdback + content
	p.holdback = ""

	if idx := strings.Index(combined, translate.ToolCallMarker); idx >= 0 {
		p.forwardText(combined[:idx])
		p.closeText()
		p.buffering = true
		p.buffered.WriteString(combined[idx:])
		p.log.Info("Inline tool call detected, buffering stream", "request_id", p.opts.RequestID)
		return p.err
	}

	hold := markerPrefixLen(combined)
	p.forwardText(combined[:len(combined)-hold])
	p.holdback = combined[len(combined)-hold:]
	return p.err
}

// Finish closes the message from the fully accumulated result: buffered text
// is cleaned and re-parsed into blocks, native tool calls are replayed, and
// the final usage goes out in message_delta.
func (p *Pipeline) Finish(result *upstream.StreamResult) error {
	finish := result.FinishReason
	if finish == protocol.StopMaxTokens || finish == "" {
		finish = protocol.StopEndTurn
	}

	if p.buffering {
		if p.emitParsedBlocks(p.buffered.String()) {
			finish = protocol.StopToolUse
		}
	} else {
		p.forwardText(p.holdback)
		p.holdback = ""
		p.closeText()
		if p.emitNativeToolCalls(result.ToolCalls) {
			finish = protocol.StopToolUse
		}
	}

	if !p.emitted {
		p.emit(&protocol.ContentBlockStartEvent{
			Type:         protocol.EventContentBlockStart,
			ContentBlock: protocol.ContentBlock{Type: protocol.BlockText},
		})
		p.emit(&protocol.ContentBlockStopEvent{Type: protocol.EventContentBlockStop})
	}

	output := result.OutputTokens
	if output == 0 {
		output = tokens.Estimate(p.accumulated.String())
	}
	p.finishMessage(finish, output)
	p.log.Info("Stream finished",
		"request_id", p.opts.RequestID, "text_len", p.accumulated.Len(),
		"buffered", p.buffering, "finish", finish)
	return p.err
}

// FailUpstream reports a non-200 upstream as a readable text block rather
// than an SSE error event, so agent clients render it inline.
func (p *Pipeline) FailUpstream(ue *upstream.UpstreamError) error {
	msg := ue.Message
	if len(msg) > apiErrorMessageCap {
		msg = msg[:apiErrorMessageCap]
	}
	p.openText()
	p.textDelta("[API Error " + strconv.Itoa(ue.StatusCode) + "] " + msg)
	p.closeText()
	p.finishMessage(protocol.StopEndTurn, errorOutputTokens)
	return p.err
}

// FailInternal reports a transport-level failure as an SSE error event.
func (p *Pipeline) FailInternal(message string) error {
	p.emit(protocol.NewError("api_error", message))
	return p.err
}

func (p *Pipeline) finishMessage(finish string, outputTokens int) {
	p.emit(&protocol.MessageDeltaEvent{
		Type:  protocol.EventMessageDelta,
		Delta: protocol.MessageDelta{StopReason: finish},
		Usage: protocol.Usage{
			OutputTokens:         outputTokens,
			CacheReadInputTokens: p.opts.CacheReadTokens,
		},
	})
	p.emit(&protocol.MessageStopEvent{Type: protocol.EventMessageStop})
}

// emitParsedBlocks renders the buffered tail as structured blocks and
// reports whether any tool_use went out.
func (p *Pipeline) emitParsedBlocks(text string) bool {
	cleaned := translate.CleanHallucinations(text)
	if cleaned != text {
		p.log.Warn("Hallucinated tool output removed from buffered stream",
			"request_id", p.opts.RequestID, "removed", len(text)-len(cleaned))
	}

	blocks := translate.ParseInlineBlocks(cleaned)
	blocks = translate.ExpandThinkingBlocks(blocks)
	return p.emitBlocks(blocks)
}

// emitBlocks streams parsed content blocks in order and reports whether any
// tool_use went out.
func (p *Pipeline) emitBlocks(blocks []protocol.ContentBlock) bool {
	toolEmitted := false
	for i := range blocks {
		switch blocks[i].Type {
		case protocol.BlockText:
			if strings.TrimSpace(blocks[i].Text) == "" {
				continue
			}
			p.openText()
			for _, chunk := range chunkByRunes(blocks[i].Text, p.opts.Config.TextChunkSize) {
				p.textDelta(chunk)
			}
			p.closeText()
		case protocol.BlockThinking:
			p.emit(&protocol.ContentBlockStartEvent{
				Type:         protocol.EventContentBlockStart,
				Index:        p.blockIndex,
				ContentBlock: protocol.ContentBlock{Type: protocol.BlockThinking},
			})
			for _, chunk := range chunkByRunes(blocks[i].Thinking, p.opts.Config.ThinkingChunkSize) {
				p.emit(&protocol.ContentBlockDeltaEvent{
					Type:  protocol.EventContentBlockDelta,
					Index: p.blockIndex,
					Delta: protocol.BlockDelta{Type: protocol.DeltaThinking, Thinking: chunk},
				})
			}
			p.closeBlock()
		case protocol.BlockToolUse:
			toolEmitted = true
			p.emitToolBlock(blocks[i].ID, blocks[i].Name, string(blocks[i].Input))
		}
	}
	return toolEmitted
}

// emitNativeToolCalls replays accumulated native tool calls as tool_use
// blocks. Arguments that fail strict JSON parsing are preserved raw.
func (p *Pipeline) emitNativeToolCalls(calls []upstream.ToolCallAcc) bool {
	emitted := false
	for i := range calls {
		if calls[i].Name == "" {
			continue
		}
		emitted = true

		input := map[string]any{}
		if args := calls[i].Arguments; args != "" {
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
		p.emitToolBlock(calls[i].ID, calls[i].Name, string(payload))
	}
	return emitted
}

func (p *Pipeline) emitToolBlock(id, name, inputJSON string) {
	p.emit(&protocol.ContentBlockStartEvent{
		Type:  protocol.EventContentBlockStart,
		Index: p.blockIndex,
		ContentBlock: protocol.ContentBlock{
			Type:  protocol.BlockToolUse,
			ID:    id,
			Name:  name,
			Input: stdjson.RawMessage(`{}`),
		},
	})
	if inputJSON == "" {
		inputJSON = "{}"
	}
	for _, chunk := range chunkByRunes(inputJSON, p.opts.Config.ToolJSONChunkSize) {
		p.emit(&protocol.ContentBlockDeltaEvent{
			Type:  protocol.EventContentBlockDelta,
			Index: p.blockIndex,
			Delta: protocol.BlockDelta{Type: protocol.DeltaInputJSON, PartialJSON: chunk},
		})
	}
	p.closeBlock()
}

func (p *Pipeline) forwardText(s string) {
	if s == "" {
		return
	}
	p.openText()
	p.textDelta(s)
}

func (p *Pipeline) openText() {
	if p.textOpen {
		return
	}
	p.emit(&protocol.ContentBlockStartEvent{
		Type:         protocol.EventContentBlockStart,
		Index:        p.blockIndex,
		ContentBlock: protocol.ContentBlock{Type: protocol.BlockText},
	})
	p.textOpen = true
	p.emitted = true
}

func (p *Pipeline) textDelta(s string) {
	p.emit(&protocol.ContentBlockDeltaEvent{
		Type:  protocol.EventContentBlockDelta,
		Index: p.blockIndex,
		Delta: protocol.BlockDelta{Type: protocol.DeltaText, Text: s},
	})
}

func (p *Pipeline) closeText() {
	if !p.textOpen {
		return
	}
	p.textOpen = false
	p.closeBlock()
}

func (p *Pipeline) closeBlock() {
	p.emit(&protocol.ContentBlockStopEvent{Type: protocol.EventContentBlockStop, Index: p.blockIndex})
	p.blockIndex++
	p.emitted = true
}

// markerPrefixLen reports the longest proper prefix of the tool-call marker
// that the text ends with.
func markerPrefixLen(s string) int {
	max := len(translate.ToolCallMarker) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, translate.ToolCallMarker[:k]) {
			return k
		}
	}
	return 0
}

// chunkByRunes splits s into pieces of at most size code points, never
// cutting a UTF-8 sequence.
func chunkByRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if len(s) <= size {
		return []string{s}
	}
	var out []string
	count, start := 0, 0
	for i := range s {
		if count == size {
			out = append(out, s[start:i])
			start = i
			count = 0
		}
		count++
	}
	return append(out, s[start:])
}
