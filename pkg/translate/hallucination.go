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
)

// Tool results always come from the client, never from the model. A
// [Tool Result] appearing in assistant output after a tool call is the model
// hallucinating its own result and must not reach the client.

const trailingCallWindow = 500

// Matches a trailing tool-call fragment: an unclosed marker, a closed marker
// with nothing after it, or an Input label with no JSON.
var reTrailingIncompleteCall = regexp.MustCompile(`\[Calling tool:[^\]]*(?:\]\s*(?:Input:\s*)?)?$`)

// CleanHallucinations removes fabricated tool results and trailing
// incomplete tool-call fragments from assistant output.
func CleanHallucinations(text string) string {
	text = truncateFabricatedResults(text)
	return stripTrailingIncompleteCall(text)
}

// truncateFabricatedResults cuts the text at the first [Tool Result] or
// [Tool Error] that follows a tool call. The tool call itself is kept so the
// client can execute it for real. Each tool-call region is checked
// separately; result markers before the first tool call are client echoes
// and stay untouched.
func truncateFabricatedResults(text string) string {
	matches := reToolCall.FindAllStringIndex(text, -1)
	for i, m := range matches {
		regionEnd := len(text)
		if i+1 < len(matches) {
			regionEnd = matches[i+1][0]
		}
		region := text[m[1]:regionEnd]
		idx := strings.Index(region, ToolResultMarker)
		if j := strings.Index(region, ToolErrorMarker); j >= 0 && (idx < 0 || j < idx) {
			idx = j
		}
		if idx >= 0 {
			return strings.TrimRight(text[:m[1]+idx], " \t\n")
		}
	}
	return text
}

// stripTrailingIncompleteCall drops a cut-off tool-call marker at the very
// end of the text. Only the last window is checked so a legitimate marker
// mentioned earlier in prose survives.
func stripTrailingIncompleteCall(text string) string {
	windowStart := 0
	if len(text) > trailingCallWindow {
		windowStart = len(text) - trailingCallWindow
	}
	loc := reTrailingIncompleteCall.FindStringIndex(text[windowStart:])
	if loc == nil {
		return text
	}
	return strings.TrimRight(text[:windowStart+loc[0]], " \t\n")
}
