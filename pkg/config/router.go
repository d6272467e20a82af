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

import "fmt"

// RouterConfig configures model routing between the Opus and Sonnet tiers.
type RouterConfig struct {
	// Enabled toggles routing (MODEL_ROUTING_ENABLED). Disabled routing
	// passes the requested model through untouched.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// OpusModel, SonnetModel, HaikuModel are the routing targets.
	OpusModel   string `yaml:"opus_model,omitempty" json:"opus_model,omitempty"`
	SonnetModel string `yaml:"sonnet_model,omitempty" json:"sonnet_model,omitempty"`
	HaikuModel  string `yaml:"haiku_model,omitempty" json:"haiku_model,omitempty"`

	// OpusMaxConcurrent caps in-flight Opus requests; excess requests are
	// downgraded to Sonnet (OPUS_MAX_CONCURRENT).
	OpusMaxConcurrent int `yaml:"opus_max_concurrent,omitempty" json:"opus_max_concurrent,omitempty"`

	// BaseOpusProbability is the default Opus share in percent
	// (BASE_OPUS_PROBABILITY).
	BaseOpusProbability int `yaml:"base_opus_probability,omitempty" json:"base_opus_probability,omitempty"`

	// FirstTurnOpusProbability applies while the conversation has at most
	// FirstTurnMaxMessages user messages (FIRST_TURN_OPUS_PROBABILITY).
	FirstTurnOpusProbability int `yaml:"first_turn_opus_probability,omitempty" json:"first_turn_opus_probability,omitempty"`
	FirstTurnMaxMessages     int `yaml:"first_turn_max_messages,omitempty" json:"first_turn_max_messages,omitempty"`

	// ExecutionToolThreshold is the tool-use count at which a conversation
	// counts as execution phase; ExecutionSonnetProbability is the Sonnet
	// share there.
	ExecutionToolThreshold     int `yaml:"execution_tool_threshold,omitempty" json:"execution_tool_threshold,omitempty"`
	ExecutionSonnetProbability int `yaml:"execution_sonnet_probability,omitempty" json:"execution_sonnet_probability,omitempty"`

	// OpusKeywords and SonnetKeywords force the respective tier when the
	// last user message contains one.
	OpusKeywords   []string `yaml:"opus_keywords,omitempty" json:"opus_keywords,omitempty"`
	SonnetKeywords []string `yaml:"sonnet_keywords,omitempty" json:"sonnet_keywords,omitempty"`

	// UseHaikuForInternal routes internal calls (summaries, context
	// extraction) to the Haiku tier.
	UseHaikuForInternal *bool `yaml:"use_haiku_for_internal,omitempty" json:"use_haiku_for_internal,omitempty"`
}

// DefaultOpusKeywords trigger the Opus tier: design, analysis, refactoring
// and project bootstrap phrasing, Chinese and English.
var DefaultOpusKeywords = []string{
	"设计方案", "架构设计", "系统设计", "技术方案", "整体规划",
	"design", "architecture", "plan",
	"根因分析", "深度分析", "全面分析", "分析一下",
	"root cause", "deep analysis", "analyze",
	"整体重构", "系统重构", "重构",
	"refactor",
	"创建项目", "新建项目", "从零开始",
	"create project", "new project", "from scratch",
	"实现", "implement", "开发", "develop",
}

// DefaultSonnetKeywords trigger the Sonnet tier: inspection, small edits,
// execution and acknowledgement phrasing.
var DefaultSonnetKeywords = []string{
	"看看", "显示", "查看", "列出",
	"show", "view", "list", "display",
	"修复", "修改", "添加", "删除", "更新",
	"fix", "modify", "add", "delete", "update",
	"运行", "执行", "启动", "测试", "部署",
	"run", "execute", "start", "test", "deploy",
	"继续", "下一步", "好的", "是的",
	"continue", "next", "ok", "yes", "sure",
}

// SetDefaults sets default values for RouterConfig.
func (c *RouterConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.OpusModel == "" {
		c.OpusModel = "claude-opus-4-5-20251101"
	}
	if c.SonnetModel == "" {
		c.SonnetModel = "claude-sonnet-4-5-20250929"
	}
	if c.HaikuModel == "" {
		c.HaikuModel = "claude-haiku-4-5-20251001"
	}
	if c.OpusMaxConcurrent == 0 {
		c.OpusMaxConcurrent = 200
	}
	if c.BaseOpusProbability == 0 {
		c.BaseOpusProbability = 20
	}
	if c.FirstTurnOpusProbability == 0 {
		c.FirstTurnOpusProbability = 50
	}
	if c.FirstTurnMaxMessages == 0 {
		c.FirstTurnMaxMessages = 2
	}
	if c.ExecutionToolThreshold == 0 {
		c.ExecutionToolThreshold = 3
	}
	if c.ExecutionSonnetProbability == 0 {
		c.ExecutionSonnetProbability = 90
	}
	if c.OpusKeywords == nil {
		c.OpusKeywords = DefaultOpusKeywords
	}
	if c.SonnetKeywords == nil {
		c.SonnetKeywords = DefaultSonnetKeywords
	}
	if c.UseHaikuForInternal == nil {
		c.UseHaikuForInternal = BoolPtr(true)
	}
}

// Validate validates the RouterConfig.
func (c *RouterConfig) Validate() error {
	for name, p := range map[string]int{
		"base_opus_probability":        c.BaseOpusProbability,
		"first_turn_opus_probability":  c.FirstTurnOpusProbability,
		"execution_sonnet_probability": c.ExecutionSonnetProbability,
	} {
		if p < 0 || p > 100 {
			return fmt.Errorf("%s must be 0-100, got %d", name, p)
		}
	}
	if c.OpusMaxConcurrent < 1 {
		return fmt.Errorf("opus_max_concurrent must be at least 1")
	}
	return nil
}

// IsEnabled returns true if routing is enabled.
func (c *RouterConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}
