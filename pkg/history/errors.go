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

package history

import "strings"

// IsContentLengthError reports whether an upstream error means the request
// exceeded the model's context window. Each upstream dialect words it
// differently.
func IsContentLengthError(statusCode int, errorText string) bool {
	if errorText == "" {
		return false
	}
	if strings.Contains(errorText, "CONTENT_LENGTH_EXCEEDS_THRESHOLD") {
		return true
	}
	if strings.Contains(errorText, "Input is too long") {
		return true
	}
	if strings.Contains(errorText, "context_length_exceeded") {
		return true
	}

	lowered := strings.ToLower(errorText)
	if strings.Contains(lowered, "maximum context length") {
		return true
	}
	if strings.Contains(lowered, "too long") {
		for _, subject := range []string{"input", "content", "message", "context"} {
			if strings.Contains(lowered, subject) {
				return true
			}
		}
	}
	if strings.Contains(lowered, "token") &&
		(strings.Contains(lowered, "limit") || strings.Contains(lowered, "exceed")) {
		return true
	}
	return false
}
