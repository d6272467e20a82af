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

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SummaryEntry is one cached summary together with the shape of the history
// it was generated from, so staleness can be detected by delta.
type SummaryEntry struct {
	Summary  string
	OldCount int
	OldChars int

	UpdatedAt time.Time
}

// SummaryCache is a bounded LRU of summaries keyed by
// "<session_id>:<target_keep_recent>". A hit requires the entry to be fresh
// and the summarized prefix not to have grown past the delta thresholds;
// stale entries force regeneration.
type SummaryCache struct {
	entries *lru.Cache[string, *SummaryEntry]
}

// NewSummaryCache builds a cache with the given capacity (128 when zero).
func NewSummaryCache(maxEntries int) *SummaryCache {
	if maxEntries <= 0 {
		maxEntries = 128
	}
	entries, _ := lru.New[string, *SummaryEntry](maxEntries)
	return &SummaryCache{entries: entries}
}

// Get returns a cached summary valid for the current prefix shape, or "".
func (c *SummaryCache) Get(key string, oldCount, oldChars, minDeltaMessages, minDeltaChars int, maxAge time.Duration) string {
	entry, ok := c.entries.Get(key)
	if !ok {
		return ""
	}
	if maxAge > 0 && time.Since(entry.UpdatedAt) > maxAge {
		c.entries.Remove(key)
		return ""
	}
	if oldCount-entry.OldCount >= minDeltaMessages {
		return ""
	}
	if oldChars-entry.OldChars >= minDeltaChars {
		return ""
	}
	return entry.Summary
}

// Set stores a freshly generated summary.
func (c *SummaryCache) Set(key, summary string, oldCount, oldChars int) {
	c.entries.Add(key, &SummaryEntry{
		Summary:   summary,
		OldCount:  oldCount,
		OldChars:  oldChars,
		UpdatedAt: time.Now(),
	})
}

// Len reports the number of cached summaries.
func (c *SummaryCache) Len() int {
	return c.entries.Len()
}
