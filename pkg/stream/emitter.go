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

// Package stream renders upstream chat completions as Anthropic SSE.
package stream

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Emitter is the sink for outgoing SSE events.
type Emitter interface {
	Emit(event any) error
}

// SSEEmitter frames events as `data: <json>` over an http.ResponseWriter and
// flushes after every event so proxies cannot batch the stream.
type SSEEmitter struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewSSEEmitter prepares the response for server-sent events and returns an
// emitter over it. Fails when the writer cannot flush.
func NewSSEEmitter(w http.ResponseWriter) (*SSEEmitter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEEmitter{w: w, f: f}, nil
}

func (e *SSEEmitter) Emit(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

// Capture collects events in memory; tests drive the pipeline against it.
type Capture struct {
	Events []any
}

func (c *Capture) Emit(event any) error {
	c.Events = append(c.Events, event)
	return nil
}
