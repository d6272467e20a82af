// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package translate

import (
	"regexp"
	"strings"

	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

var reThinking = regexp.MustCompile(`(?is)<thinking>(.*?)</thinking>`)

// SplitThinkingBlocks splits text into interleaved text and thinking blocks.
// A trailing unclosed <thinking> tag swallows the rest of the text as
// thinking, since the model was cut off mid-thought.
func SplitThinkingBlocks(text string) []protocol.ContentBlock {
	openIdx := strings.LastIndex(strings.ToLower(text), thinkingOpen)
	closeIdx := strings.LastIndex(strings.ToLower(text), thinkingClose)
	if openIdx >= 0 && openIdx > closeIdx {
		blocks := splitClosedThinking(text[:openIdx])
		if thought := text[openIdx+len(thinkingOpen):]; strings.TrimSpace(thought) != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockThinking, Thinking: thought})
		}
		return blocks
	}
	return splitClosedThinking(text)
}

func splitClosedThinking(text string) []protocol.ContentBlock {
	matches := reThinking.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}}
	}

	var blocks []protocol.ContentBlock
	pos := 0
	for _, m := range matches {
		if before := text[pos:m[0]]; strings.TrimSpace(before) != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: before})
		}
		if thought := text[m[2]:m[3]]; strings.TrimSpace(thought) != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockThinking, Thinking: thought})
		}
		pos = m[1]
	}
	if tail := text[pos:]; strings.TrimSpace(tail) != "" {
		blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: tail})
	}
	return blocks
}

// ExpandThinkingBlocks rewrites text blocks that carry thinking tags into
// separate thinking and text blocks. Non-text blocks pass through.
func ExpandThinkingBlocks(blocks []protocol.ContentBlock) []protocol.ContentBlock {
	var out []protocol.ContentBlock
	for _, b := range blocks {
		if b.Type != protocol.BlockText || !strings.Contains(strings.ToLower(b.Text), thinkingOpen) {
			out = append(out, b)
			continue
		}
		out = append(out, SplitThinkingBlocks(b.Text)...)
	}
	return out
}
