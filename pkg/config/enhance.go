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

package config

import (
	"fmt"
	"time"
)

// EnhanceConfig groups the background enrichment workers.
type EnhanceConfig struct {
	Context ContextEnhanceConfig `yaml:"context,omitempty" json:"context,omitempty"`
	Summary AsyncSummaryConfig   `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// ContextEnhanceConfig configures background project-context extraction.
type ContextEnhanceConfig struct {
	// Enabled toggles context enhancement (CONTEXT_ENHANCEMENT_ENABLED).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Model used for extraction calls.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// MaxTokens bounds the extracted context; MinTokens is the floor the
	// extraction prompt asks for.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MinTokens int `yaml:"min_tokens,omitempty" json:"min_tokens,omitempty"`

	// UpdateInterval is the number of new messages before re-extraction.
	UpdateInterval int `yaml:"update_interval,omitempty" json:"update_interval,omitempty"`

	// QueueSize caps queued background extractions.
	QueueSize int `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`

	// TaskTimeout bounds one extraction call.
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty" json:"task_timeout,omitempty"`

	// CacheSize and CacheTTL bound the session context cache.
	CacheSize int           `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	CacheTTL  time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// AsyncSummaryConfig configures background history summarization.
type AsyncSummaryConfig struct {
	// Enabled toggles async summaries (ASYNC_SUMMARY_ENABLED).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Model used for summary calls (SUMMARY_MODEL).
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// FastFirstRequest skips summarization on the first sighting of a
	// session so the request is not delayed.
	FastFirstRequest *bool `yaml:"fast_first_request,omitempty" json:"fast_first_request,omitempty"`

	// MaxPendingTasks caps queued summarizations (ASYNC_SUMMARY_MAX_TASKS).
	MaxPendingTasks int `yaml:"max_pending_tasks,omitempty" json:"max_pending_tasks,omitempty"`

	// UpdateIntervalMessages is the new-message count that triggers a
	// refresh (ASYNC_SUMMARY_UPDATE_INTERVAL).
	UpdateIntervalMessages int `yaml:"update_interval_messages,omitempty" json:"update_interval_messages,omitempty"`

	// TaskTimeout bounds one summary call (ASYNC_SUMMARY_TASK_TIMEOUT).
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty" json:"task_timeout,omitempty"`

	// SimulateCacheBilling reports summary savings through the Anthropic
	// cache usage fields (SIMULATE_CACHE_BILLING).
	SimulateCacheBilling *bool `yaml:"simulate_cache_billing,omitempty" json:"simulate_cache_billing,omitempty"`

	// CacheReadDiscount is the assumed cache-read price factor.
	CacheReadDiscount float64 `yaml:"cache_read_discount,omitempty" json:"cache_read_discount,omitempty"`

	// CacheSize and CacheTTL bound the session summary cache.
	CacheSize int           `yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
	CacheTTL  time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// SetDefaults sets default values for EnhanceConfig.
func (c *EnhanceConfig) SetDefaults() {
	if c.Context.Enabled == nil {
		c.Context.Enabled = BoolPtr(true)
	}
	if c.Context.Model == "" {
		c.Context.Model = "claude-sonnet-4-5-20250929"
	}
	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 200
	}
	if c.Context.MinTokens == 0 {
		c.Context.MinTokens = 100
	}
	if c.Context.UpdateInterval == 0 {
		c.Context.UpdateInterval = 10
	}
	if c.Context.QueueSize == 0 {
		c.Context.QueueSize = 50
	}
	if c.Context.TaskTimeout == 0 {
		c.Context.TaskTimeout = 30 * time.Second
	}
	if c.Context.CacheSize == 0 {
		c.Context.CacheSize = 1000
	}
	if c.Context.CacheTTL == 0 {
		c.Context.CacheTTL = time.Hour
	}

	if c.Summary.Enabled == nil {
		c.Summary.Enabled = BoolPtr(true)
	}
	if c.Summary.Model == "" {
		c.Summary.Model = "claude-haiku-4-5-20251001"
	}
	if c.Summary.FastFirstRequest == nil {
		c.Summary.FastFirstRequest = BoolPtr(true)
	}
	if c.Summary.MaxPendingTasks == 0 {
		c.Summary.MaxPendingTasks = 100
	}
	if c.Summary.UpdateIntervalMessages == 0 {
		c.Summary.UpdateIntervalMessages = 5
	}
	if c.Summary.TaskTimeout == 0 {
		c.Summary.TaskTimeout = 30 * time.Second
	}
	if c.Summary.SimulateCacheBilling == nil {
		c.Summary.SimulateCacheBilling = BoolPtr(true)
	}
	if c.Summary.CacheReadDiscount == 0 {
		c.Summary.CacheReadDiscount = 0.9
	}
	if c.Summary.CacheSize == 0 {
		c.Summary.CacheSize = 1000
	}
	if c.Summary.CacheTTL == 0 {
		c.Summary.CacheTTL = 2 * time.Hour
	}
}

// Validate validates the EnhanceConfig.
func (c *EnhanceConfig) Validate() error {
	if c.Context.MaxTokens < c.Context.MinTokens {
		return fmt.Errorf("context.max_tokens (%d) below context.min_tokens (%d)", c.Context.MaxTokens, c.Context.MinTokens)
	}
	if c.Summary.CacheReadDiscount < 0 || c.Summary.CacheReadDiscount > 1 {
		return fmt.Errorf("summary.cache_read_discount must be 0-1")
	}
	return nil
}
