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

// Package continuation detects truncated upstream responses and stitches
// follow-up requests until the response is whole.
package continuation

import (
	"strings"

	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/translate"
)

// Reason names why a response is considered truncated.
type Reason string

const (
	ReasonNone                Reason = "none"
	ReasonStreamInterrupted   Reason = "stream_interrupted"
	ReasonMaxTokens           Reason = "max_tokens_reached"
	ReasonIncompleteCodeBlock Reason = "incomplete_code_block"
	ReasonIncompleteToolCall  Reason = "incomplete_tool_call"
	ReasonUnclosedBrackets    Reason = "unclosed_brackets"
	ReasonToolParseError      Reason = "tool_parse_error"
)

const bracketScanWindow = 1000

// TruncationInfo is the outcome of one truncation assessment. Confidence
// reflects how certain the signal is; heuristic text scans rank below the
// hard protocol signals.
type TruncationInfo struct {
	IsTruncated     bool
	Reason          Reason
	Confidence      float64
	StreamCompleted bool
	FinishReason    string

	ValidToolUses  []protocol.ContentBlock
	FailedToolUses []protocol.ContentBlock
}

// Detect assesses whether text is a cut-off response. Hard signals (dead
// stream, token limit) win; otherwise the text itself is inspected for
// structural incompleteness.
func Detect(text string, streamCompleted bool, finishReason string) *TruncationInfo {
	info := &TruncationInfo{
		Reason:          ReasonNone,
		StreamCompleted: streamCompleted,
		FinishReason:    finishReason,
	}

	if !streamCompleted {
		info.IsTruncated = true
		info.Reason = ReasonStreamInterrupted
		info.Confidence = 1.0
	} else if finishReason == "max_tokens" || finishReason == "length" {
		info.IsTruncated = true
		info.Reason = ReasonMaxTokens
		info.Confidence = 1.0
	}

	info.classifyToolUses(text)

	if info.IsTruncated {
		// A parse failure under an abnormal stream refines the reason; the
		// hard-signal confidence stands.
		if len(info.FailedToolUses) > 0 && info.Reason == ReasonStreamInterrupted {
			info.Reason = ReasonToolParseError
		}
		return info
	}

	switch {
	case strings.Count(text, "```")%2 == 1:
		info.IsTruncated = true
		info.Reason = ReasonIncompleteCodeBlock
		info.Confidence = 0.95
	case strings.Contains(text, translate.ToolCallMarker) && unbalancedBraces(text):
		info.IsTruncated = true
		info.Reason = ReasonIncompleteToolCall
		info.Confidence = 0.90
	case unclosedInWindow(text):
		info.IsTruncated = true
		info.Reason = ReasonUnclosedBrackets
		info.Confidence = 0.70
	}
	return info
}

// classifyToolUses splits parsed inline tool calls into valid and failed.
// A parse failure alone never marks truncation: on a clean stream it is the
// model's own garbage, not a cutoff.
func (info *TruncationInfo) classifyToolUses(text string) {
	for _, block := range translate.ParseInlineBlocks(text) {
		if block.Type != protocol.BlockToolUse {
			continue
		}
		input := block.InputMap()
		_, failedRaw := input["_raw"]
		_, failedParse := input["_parse_error"]
		if failedRaw || failedParse {
			info.FailedToolUses = append(info.FailedToolUses, block)
		} else {
			info.ValidToolUses = append(info.ValidToolUses, block)
		}
	}
}

func unbalancedBraces(text string) bool {
	depth := 0
	inString, escaped := false, false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
			}
		}
	}
	return depth != 0
}

// unclosedInWindow scans the tail of the text for bracket pairs opened but
// never closed, skipping string literals and escapes.
func unclosedInWindow(text string) bool {
	if len(text) > bracketScanWindow {
		text = text[len(text)-bracketScanWindow:]
	}
	var stack []rune
	inString, escaped := false, false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[', '(':
			if !inString {
				stack = append(stack, r)
			}
		case '}', ']', ')':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return len(stack) > 0
}
