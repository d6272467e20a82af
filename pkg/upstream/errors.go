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
	"fmt"
	"strings"

	"github.com/kadirpekel/relay/pkg/protocol"
)

// ErrorKind classifies an upstream failure for retry decisions.
type ErrorKind string

const (
	KindMalformedRequest ErrorKind = "malformed_request"
	KindTokenExhausted   ErrorKind = "token_exhausted"
	KindRateLimit        ErrorKind = "rate_limit"
	KindTimeout          ErrorKind = "timeout"
	KindBadRequest       ErrorKind = "bad_request"
	KindServerError      ErrorKind = "server_error"
	KindStreamError      ErrorKind = "stream_error"
	KindUnknown          ErrorKind = "unknown"
)

const errorMessageCap = 500

// UpstreamError is a classified upstream failure. Message is the upstream's
// own wording, capped, so it can be surfaced to the client.
type UpstreamError struct {
	StatusCode int
	Kind       ErrorKind
	Retryable  bool
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Surface renders the error the way it appears in response text.
func (e *UpstreamError) Surface() string {
	return "[上游服务错误] " + e.Message
}

// Classify maps a non-2xx upstream response to an UpstreamError. The message
// markers mirror the upstream's known failure wordings; an unparseable body
// is used verbatim.
func Classify(statusCode int, body []byte) *UpstreamError {
	msg := string(body)
	var envelope protocol.OpenAIError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	if len(msg) > errorMessageCap {
		msg = msg[:errorMessageCap]
	}

	ue := &UpstreamError{StatusCode: statusCode, Kind: KindUnknown, Message: msg}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "Improperly formed request"):
		ue.Kind = KindMalformedRequest
	case strings.Contains(lowered, "token") || strings.Contains(msg, "没有可用"):
		ue.Kind = KindTokenExhausted
	case statusCode == 429 || strings.Contains(lowered, "rate limit") || strings.Contains(lowered, "too many"):
		ue.Kind = KindRateLimit
		ue.Retryable = true
	case strings.Contains(lowered, "timeout"):
		ue.Kind = KindTimeout
		ue.Retryable = true
	case statusCode == 400:
		ue.Kind = KindBadRequest
	case statusCode >= 500:
		ue.Kind = KindServerError
		ue.Retryable = true
	}
	return ue
}
