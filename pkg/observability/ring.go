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

package observability

import (
	stdjson "encoding/json"
	"sync"
	"time"
)

// DebugRing keeps the most recent upstream request payloads in memory so the
// exact JSON sent to the backend can be inspected without log scraping.
//
// Thread-safe for concurrent reads and writes.
type DebugRing struct {
	mu      sync.RWMutex
	entries []DebugEntry
	maxSize int
}

// DebugEntry is one captured payload.
type DebugEntry struct {
	Label   string             `json:"label"`
	Time    time.Time          `json:"time"`
	Payload stdjson.RawMessage `json:"payload"`
}

// NewDebugRing creates a ring retaining the last 10 payloads.
func NewDebugRing() *DebugRing {
	return &DebugRing{maxSize: 10}
}

// WithMaxSize sets the maximum number of payloads to retain.
func (r *DebugRing) WithMaxSize(size int) *DebugRing {
	if size > 0 {
		r.maxSize = size
	}
	return r
}

// Add records a payload, evicting the oldest entry once full. The payload is
// copied so callers may reuse their buffer.
func (r *DebugRing) Add(label string, payload []byte) {
	if r == nil {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, DebugEntry{Label: label, Time: time.Now(), Payload: buf})
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
	}
}

// Snapshot returns the retained entries, oldest first.
func (r *DebugRing) Snapshot() []DebugEntry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DebugEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports how many entries are retained.
func (r *DebugRing) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
