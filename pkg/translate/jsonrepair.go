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
)

// Model-emitted JSON is frequently broken in predictable ways: trailing
// commas, raw newlines inside string values, or a truncated tail. The repair
// ladder tries the cheap fixes in order before giving up.

var (
	reTrailingCommaObj = regexp.MustCompile(`,\s*}`)
	reTrailingCommaArr = regexp.MustCompile(`,\s*]`)
	reMarkdownStart    = regexp.MustCompile("^```(?:json)?[ \t]*\n?")
	reMarkdownEnd      = regexp.MustCompile("\\s*```")
)

// ParseJSONObject parses a JSON object, repairing common model output
// defects when direct parsing fails.
func ParseJSONObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, nil
	}
	return repairJSONObject(s)
}

func repairJSONObject(s string) (map[string]any, error) {
	var m map[string]any

	// Trailing commas.
	fixed := reTrailingCommaObj.ReplaceAllString(s, "}")
	fixed = reTrailingCommaArr.ReplaceAllString(fixed, "]")
	if err := json.Unmarshal([]byte(fixed), &m); err == nil {
		return m, nil
	}

	// Raw control characters inside string values.
	fixed = escapeControlChars(s)
	if err := json.Unmarshal([]byte(fixed), &m); err == nil {
		return m, nil
	}

	// Both.
	fixed = escapeControlChars(s)
	fixed = reTrailingCommaObj.ReplaceAllString(fixed, "}")
	fixed = reTrailingCommaArr.ReplaceAllString(fixed, "]")
	if err := json.Unmarshal([]byte(fixed), &m); err == nil {
		return m, nil
	}

	// Truncated string value: an odd quote count means the tail was cut
	// mid-string. Close the string, then pad the unbalanced braces.
	if quotes := strings.Count(s, `"`)-strings.Count(s, `\"`); quotes%2 == 1 {
		fixed = strings.TrimRight(s, " \t\r\n")
		if !strings.HasSuffix(fixed, `"`) {
			fixed += `"`
		}
		if open := strings.Count(fixed, "{") - strings.Count(fixed, "}"); open > 0 {
			fixed += strings.Repeat("}", open)
		}
		if err := json.Unmarshal([]byte(fixed), &m); err == nil {
			return m, nil
		}
	}

	// Valid prefix followed by garbage.
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&m); err == nil && m != nil {
		return m, nil
	}

	return nil, fmt.Errorf("failed to parse JSON after all recovery attempts")
}

// escapeControlChars escapes raw newlines, tabs, and other control
// characters found inside JSON string values.
func escapeControlChars(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)
	inString := false
	escaped := false
	for _, c := range s {
		if escaped {
			sb.WriteRune(c)
			escaped = false
			continue
		}
		if c == '\\' {
			sb.WriteRune(c)
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			sb.WriteRune(c)
			continue
		}
		if inString && c < 0x20 {
			switch c {
			case '\n':
				sb.WriteString(`\n`)
			case '\r':
				sb.WriteString(`\r`)
			case '\t':
				sb.WriteString(`\t`)
			default:
				fmt.Fprintf(&sb, `\u%04x`, c)
			}
			continue
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// ExtractJSONObject scans text from start for a JSON object, tolerating a
// markdown code fence around it and a truncated tail. It returns the parsed
// object and the byte offset just past it (including a closing fence).
func ExtractJSONObject(text string, start int) (map[string]any, int, error) {
	pos := start
	for pos < len(text) && isSpace(text[pos]) {
		pos++
	}

	markdownWrapped := false
	if loc := reMarkdownStart.FindStringIndex(text[pos:]); loc != nil {
		markdownWrapped = true
		pos += loc[1]
		for pos < len(text) && isSpace(text[pos]) {
			pos++
		}
	}

	if pos >= len(text) || text[pos] != '{' {
		return nil, 0, fmt.Errorf("no JSON object found at position %d", start)
	}

	jsonStart := pos
	depth := 0
	inString := false
	escaped := false
	for pos < len(text) {
		c := text[pos]
		if escaped {
			escaped = false
			pos++
			continue
		}
		if c == '\\' && inString {
			escaped = true
			pos++
			continue
		}
		if c == '"' {
			inString = !inString
			pos++
			continue
		}
		if inString {
			pos++
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				parsed, err := ParseJSONObject(text[jsonStart : pos+1])
				if err != nil {
					return nil, 0, err
				}
				end := pos + 1
				if markdownWrapped {
					if loc := reMarkdownEnd.FindStringIndex(text[end:]); loc != nil {
						end += loc[1]
					}
				}
				return parsed, end, nil
			}
		}
		pos++
	}

	// Truncated at EOF. Force-close first, then fall back to the last
	// position that still parses.
	incomplete := text[jsonStart:]
	if depth > 0 {
		repaired := incomplete
		if inString {
			repaired += `"`
		}
		repaired += strings.Repeat("}", depth)
		if parsed, err := ParseJSONObject(repaired); err == nil {
			return parsed, len(text), nil
		}
	}
	for i := len(text) - 1; i > jsonStart; i-- {
		if text[i] == '}' {
			if parsed, err := ParseJSONObject(text[jsonStart : i+1]); err == nil {
				return parsed, i + 1, nil
			}
		}
	}

	return nil, 0, fmt.Errorf("incomplete or malformed JSON object")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
