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
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/relay/pkg/protocol"
)

// The upstream has no native tool-call channel, so assistants emit tool
// calls inline as text:
//
//	[Calling tool: name]
//	Input: {"param": "value"}
//
// This file recovers structured tool_use blocks from that text.

const (
	// ToolCallMarker opens an inline tool call.
	ToolCallMarker = "[Calling tool:"
	// ToolResultMarker prefixes an inlined tool result.
	ToolResultMarker = "[Tool Result]"
	// ToolErrorMarker prefixes an inlined tool error.
	ToolErrorMarker = "[Tool Error]"

	rawInputCap = 2000
)

var (
	reToolCall   = regexp.MustCompile(`\[Calling tool:\s*([^\]]+)\]`)
	reInputLabel = regexp.MustCompile(`^\s*Input:\s*`)
	reNextMarker = regexp.MustCompile(`\[Calling tool:|\[Tool Result\]|\[Tool Error\]`)

	// RE2 has no backreferences, so XML closing tags are matched literally
	// after finding the opening tag.
	reXMLToolOpen  = regexp.MustCompile(`<([A-Z][a-zA-Z0-9_]*)>`)
	reXMLParamOpen = regexp.MustCompile(`<([a-z_][a-z0-9_]*)>`)
)

// NewToolID returns a fresh tool_use identifier.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ParseInlineBlocks splits assistant text into interleaved text and tool_use
// blocks. Text with no tool markers falls back to the XML tool form before
// being returned as a single text block.
func ParseInlineBlocks(text string) []protocol.ContentBlock {
	matches := reToolCall.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if blocks := parseXMLToolBlocks(text); blocks != nil {
			return blocks
		}
		if text == "" {
			return nil
		}
		return []protocol.ContentBlock{{Type: protocol.BlockText, Text: text}}
	}

	var blocks []protocol.ContentBlock
	pos := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start < pos {
			// Marker swallowed by a previous call's input slice.
			continue
		}
		name := strings.TrimSpace(text[m[2]:m[3]])

		if before := text[pos:start]; strings.TrimSpace(before) != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: before})
		}

		rest := text[end:]
		label := reInputLabel.FindStringIndex(rest)
		if label == nil {
			// A bare marker without an Input line stays literal text.
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: text[start:end]})
			pos = end
			continue
		}

		inputStart := end + label[1]
		input, consumed := parseToolInput(text, inputStart)
		blocks = append(blocks, protocol.ContentBlock{
			Type:  protocol.BlockToolUse,
			ID:    NewToolID(),
			Name:  name,
			Input: mustMarshal(input),
		})
		pos = inputStart + consumed
	}

	if tail := text[pos:]; strings.TrimSpace(tail) != "" {
		blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: tail})
	}
	return blocks
}

// parseToolInput parses the JSON input following an Input: label and reports
// how many bytes of text it consumed.
func parseToolInput(text string, start int) (map[string]any, int) {
	input, end, err := ExtractJSONObject(text, start)
	if err == nil {
		return input, end - start
	}

	// Truncate the raw slice at the next marker and retry the repair
	// ladder on just this call's input.
	raw := text[start:]
	if loc := reNextMarker.FindStringIndex(raw); loc != nil {
		raw = raw[:loc[0]]
	}
	trimmed := strings.TrimSpace(raw)
	if parsed, perr := ParseJSONObject(trimmed); perr == nil {
		return parsed, len(raw)
	}

	capped := trimmed
	if len(capped) > rawInputCap {
		capped = capped[:rawInputCap]
	}
	return map[string]any{
		"_raw":         capped,
		"_parse_error": err.Error(),
	}, len(raw)
}

// parseXMLToolBlocks recovers tool calls from the XML form some models emit
// instead of the bracket markers:
//
//	<Read><file_path>main.go</file_path></Read>
//
// Returns nil when the text holds no complete XML tool call.
func parseXMLToolBlocks(text string) []protocol.ContentBlock {
	var blocks []protocol.ContentBlock
	pos := 0
	for pos < len(text) {
		m := reXMLToolOpen.FindStringSubmatchIndex(text[pos:])
		if m == nil {
			break
		}
		openStart, openEnd := pos+m[0], pos+m[1]
		name := text[pos+m[2] : pos+m[3]]
		closeTag := "</" + name + ">"
		closeIdx := strings.Index(text[openEnd:], closeTag)
		if closeIdx < 0 {
			pos = openEnd
			continue
		}
		body := text[openEnd : openEnd+closeIdx]
		params := parseXMLParams(body)
		if params == nil {
			pos = openEnd
			continue
		}

		if before := text[:openStart]; strings.TrimSpace(before) != "" && len(blocks) == 0 {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: before})
		} else if len(blocks) > 0 {
			if between := text[pos:openStart]; strings.TrimSpace(between) != "" {
				blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: between})
			}
		}
		blocks = append(blocks, protocol.ContentBlock{
			Type:  protocol.BlockToolUse,
			ID:    NewToolID(),
			Name:  name,
			Input: mustMarshal(params),
		})
		pos = openEnd + closeIdx + len(closeTag)
	}
	if len(blocks) == 0 {
		return nil
	}
	if tail := text[pos:]; strings.TrimSpace(tail) != "" {
		blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockText, Text: tail})
	}
	return blocks
}

// parseXMLParams turns nested parameter tags into a map. Values that parse
// as JSON keep their type; everything else stays a string.
func parseXMLParams(body string) map[string]any {
	params := map[string]any{}
	pos := 0
	for pos < len(body) {
		m := reXMLParamOpen.FindStringSubmatchIndex(body[pos:])
		if m == nil {
			break
		}
		name := body[pos+m[2] : pos+m[3]]
		valStart := pos + m[1]
		closeTag := "</" + name + ">"
		closeIdx := strings.Index(body[valStart:], closeTag)
		if closeIdx < 0 {
			pos = valStart
			continue
		}
		raw := strings.TrimSpace(body[valStart : valStart+closeIdx])
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			params[name] = v
		} else {
			params[name] = raw
		}
		pos = valStart + closeIdx + len(closeTag)
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"_marshal_error":%q}`, err.Error()))
	}
	return data
}
