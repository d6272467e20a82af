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

// Package history keeps conversations inside the upstream context window.
// It truncates, summarizes, and retries per the configured strategies, and
// reports what it did so responses can carry a warning header.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	summaryInputCap      = 10000
	summaryPerMessageCap = 500
	retryShrinkFactor    = 0.3
	retryFloorMessages   = 5
	preEstimateMargin    = 0.8
)

// Summarizer produces a summary for a prompt, typically by calling the
// upstream on a cheap model tier.
type Summarizer func(ctx context.Context, prompt string) (string, error)

// Manager applies the configured history strategies to one request. Create
// one per request; the summary cache is the only shared collaborator.
type Manager struct {
	cfg   config.HistoryConfig
	cache *SummaryCache
	log   *slog.Logger

	sessionID string

	truncated    bool
	truncateInfo string
}

// NewManager builds a per-request manager sharing the given summary cache.
func NewManager(cfg config.HistoryConfig, cache *SummaryCache) *Manager {
	cfg.SetDefaults()
	return &Manager{cfg: cfg, cache: cache, log: logger.GetLogger()}
}

// SetSessionID keys summary cache entries to a conversation.
func (m *Manager) SetSessionID(id string) { m.sessionID = id }

// WasTruncated reports whether any strategy modified the history.
func (m *Manager) WasTruncated() bool { return m.truncated }

// TruncateInfo describes the last modification in one line.
func (m *Manager) TruncateInfo() string { return m.truncateInfo }

// WarningHeader returns the truncation note for the response header, or ""
// when nothing happened or the header is disabled.
func (m *Manager) WarningHeader() string {
	if !config.BoolValue(m.cfg.AddWarningHeader, true) || !m.truncated {
		return ""
	}
	return m.truncateInfo
}

// Reset clears the truncation state before a new pass.
func (m *Manager) Reset() {
	m.truncated = false
	m.truncateInfo = ""
}

func (m *Manager) cacheKey(targetCount int) string {
	if m.sessionID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", m.sessionID, targetCount)
}

// historyChars sizes the history by its serialized length, the same measure
// the upstream limit applies to.
func historyChars(msgs []protocol.Message) int {
	data, err := json.Marshal(msgs)
	if err != nil {
		return 0
	}
	return len(data)
}

func messageChars(msg *protocol.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(data)
}

// TruncateByCount keeps the most recent maxCount messages. A system message
// at index 0 survives truncation.
func (m *Manager) TruncateByCount(msgs []protocol.Message, maxCount int) []protocol.Message {
	if len(msgs) <= maxCount {
		return msgs
	}
	original := len(msgs)

	var head []protocol.Message
	body := msgs
	if msgs[0].Role == "system" {
		head = msgs[:1]
		body = msgs[1:]
		if maxCount > 1 {
			maxCount--
		}
	}
	if len(body) > maxCount {
		body = body[len(body)-maxCount:]
	}
	result := append(append([]protocol.Message{}, head...), body...)

	m.truncated = true
	m.truncateInfo = fmt.Sprintf("按数量截断: %d -> %d 条消息", original, len(result))
	m.log.Info(m.truncateInfo)
	return result
}

// TruncateByChars keeps the most recent messages whose serialized size fits
// under maxChars, accumulating from the end.
func (m *Manager) TruncateByChars(msgs []protocol.Message, maxChars int) []protocol.Message {
	total := historyChars(msgs)
	if total <= maxChars {
		return msgs
	}
	original := len(msgs)

	var result []protocol.Message
	current := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		size := messageChars(&msgs[i])
		if current+size > maxChars && len(result) > 0 {
			break
		}
		result = append([]protocol.Message{msgs[i]}, result...)
		current += size
	}

	if len(result) < original {
		m.truncated = true
		m.truncateInfo = fmt.Sprintf("按字符数截断: %d -> %d 条消息 (%d -> %d 字符)",
			original, len(result), total, current)
		m.log.Info(m.truncateInfo)
	}
	return result
}

// PreProcess applies the synchronous strategies (auto truncation and
// pre-estimate). Summarization needs a Summarizer; see PreProcessWithSummary.
func (m *Manager) PreProcess(msgs []protocol.Message, userContent string) []protocol.Message {
	m.Reset()
	if len(msgs) == 0 {
		return msgs
	}

	result := msgs
	if m.cfg.HasStrategy(config.StrategyAutoTruncate) {
		result = m.TruncateByCount(result, m.cfg.MaxMessages)
		result = m.TruncateByChars(result, m.cfg.MaxChars)
	}
	return m.preEstimate(result, userContent)
}

func (m *Manager) preEstimate(msgs []protocol.Message, userContent string) []protocol.Message {
	if !m.cfg.HasStrategy(config.StrategyPreEstimate) {
		return msgs
	}
	if historyChars(msgs)+len(userContent) > m.cfg.EstimateThreshold {
		target := int(float64(m.cfg.EstimateThreshold) * preEstimateMargin)
		return m.TruncateByChars(msgs, target)
	}
	return msgs
}

// PreProcessWithSummary applies all strategies, using the summarizer to
// compress instead of drop where possible. Pre-summary for error retry runs
// first so an oversized first attempt never reaches the upstream.
func (m *Manager) PreProcessWithSummary(ctx context.Context, msgs []protocol.Message, userContent string, summarize Summarizer) []protocol.Message {
	m.Reset()
	if len(msgs) == 0 {
		return msgs
	}

	result := msgs
	preSummarized := false

	if m.cfg.HasStrategy(config.StrategyErrorRetry) && summarize != nil &&
		historyChars(result)+len(userContent) > m.cfg.EstimateThreshold {
		target := m.cfg.RetryMaxMessages
		if len(result) > target {
			old := result[:len(result)-target]
			recent := result[len(result)-target:]
			oldCount, oldChars := len(old), historyChars(old)

			if cached := m.cachedSummary(target, oldCount, oldChars); cached != "" {
				result = m.buildSummaryHistory(cached, recent)
				m.truncated = true
				m.truncateInfo = fmt.Sprintf("错误重试预摘要(缓存): %d -> %d 条消息", len(msgs), len(result))
				preSummarized = true
			} else if summary := m.generateSummary(ctx, old, summarize); summary != "" {
				result = m.buildSummaryHistory(summary, recent)
				m.truncated = true
				m.truncateInfo = fmt.Sprintf("错误重试预摘要: %d -> %d 条消息 (摘要 %d 字符)",
					len(msgs), len(result), len(summary))
				preSummarized = true
				m.storeSummary(target, summary, oldCount, oldChars)
			}
		}
	}

	summaryApplied := false
	if m.cfg.HasStrategy(config.StrategySmartSummary) && summarize != nil && !preSummarized &&
		m.shouldSmartSummarize(result) {
		result = m.compressWithSummary(ctx, result, summarize)
		summaryApplied = true
	}

	if m.cfg.HasStrategy(config.StrategyAutoTruncate) && summarize != nil && !summaryApplied &&
		m.shouldAutoTruncateSummarize(result) &&
		len(result) > 1 && m.cfg.MaxMessages > 2 {
		keepRecent := min(len(result)-1, m.cfg.MaxMessages-2)
		if keepRecent > 0 {
			old := result[:len(result)-keepRecent]
			recent := result[len(result)-keepRecent:]
			if summary := m.generateSummary(ctx, old, summarize); summary != "" {
				result = m.buildSummaryHistory(summary, recent)
				m.truncated = true
				m.truncateInfo = fmt.Sprintf("自动截断前摘要: %d -> %d 条消息 (摘要 %d 字符)",
					len(msgs), len(result), len(summary))
			}
		}
	}

	if m.cfg.HasStrategy(config.StrategyAutoTruncate) {
		result = m.TruncateByCount(result, m.cfg.MaxMessages)
		result = m.TruncateByChars(result, m.cfg.MaxChars)
	}
	return m.preEstimate(result, userContent)
}

// ShouldSummarize reports whether the history is big enough for the summary
// path; callers use it to pick between sync and async preprocessing.
func (m *Manager) ShouldSummarize(msgs []protocol.Message) bool {
	return m.shouldSmartSummarize(msgs)
}

func (m *Manager) shouldSmartSummarize(msgs []protocol.Message) bool {
	return historyChars(msgs) > m.cfg.SummaryThreshold && len(msgs) > m.cfg.SummaryKeepRecent
}

func (m *Manager) shouldAutoTruncateSummarize(msgs []protocol.Message) bool {
	if len(msgs) <= 1 {
		return false
	}
	return len(msgs) > m.cfg.MaxMessages || historyChars(msgs) > m.cfg.MaxChars
}

// HandleLengthError shrinks the history after an upstream context overflow.
// Each retry lowers the message budget by 30% (floor 5). A summary of the
// dropped prefix is preferred over plain truncation; the cache avoids
// regenerating it on consecutive retries. Returns the new history and
// whether a retry is worthwhile.
func (m *Manager) HandleLengthError(ctx context.Context, msgs []protocol.Message, retryCount int, summarize Summarizer) ([]protocol.Message, bool) {
	if !m.cfg.HasStrategy(config.StrategyErrorRetry) {
		return msgs, false
	}
	if retryCount >= m.cfg.MaxRetries || len(msgs) == 0 {
		return msgs, false
	}

	m.Reset()
	factor := 1.0 - float64(retryCount)*retryShrinkFactor
	target := int(float64(m.cfg.RetryMaxMessages) * factor)
	if target < retryFloorMessages {
		target = retryFloorMessages
	}
	if len(msgs) <= target {
		return msgs, false
	}

	if summarize != nil {
		old := msgs[:len(msgs)-target]
		recent := msgs[len(msgs)-target:]
		oldCount, oldChars := len(old), historyChars(old)

		if cached := m.cachedSummary(target, oldCount, oldChars); cached != "" {
			result := m.buildSummaryHistory(cached, recent)
			m.truncated = true
			m.truncateInfo = fmt.Sprintf("错误重试摘要(缓存) (第 %d 次): %d -> %d 条消息",
				retryCount+1, len(msgs), len(result))
			m.log.Info(m.truncateInfo)
			return result, true
		}
		if summary := m.generateSummary(ctx, old, summarize); summary != "" {
			result := m.buildSummaryHistory(summary, recent)
			m.truncated = true
			m.truncateInfo = fmt.Sprintf("错误重试摘要 (第 %d 次): %d -> %d 条消息 (摘要 %d 字符)",
				retryCount+1, len(msgs), len(result), len(summary))
			m.storeSummary(target, summary, oldCount, oldChars)
			m.log.Info(m.truncateInfo)
			return result, true
		}
	}

	m.Reset()
	truncated := m.TruncateByCount(msgs, target)
	if len(truncated) < len(msgs) {
		m.truncateInfo = fmt.Sprintf("错误重试截断 (第 %d 次): %d -> %d 条消息",
			retryCount+1, len(msgs), len(truncated))
		m.log.Info(m.truncateInfo)
		return truncated, true
	}
	return msgs, false
}

func (m *Manager) cachedSummary(target, oldCount, oldChars int) string {
	key := m.cacheKey(target)
	if key == "" || m.cache == nil || !config.BoolValue(m.cfg.SummaryCacheEnabled, true) {
		return ""
	}
	return m.cache.Get(key, oldCount, oldChars,
		m.cfg.SummaryCacheMinDeltaMessages,
		m.cfg.SummaryCacheMinDeltaChars,
		time.Duration(m.cfg.SummaryCacheMaxAgeSeconds)*time.Second)
}

func (m *Manager) storeSummary(target int, summary string, oldCount, oldChars int) {
	key := m.cacheKey(target)
	if key == "" || m.cache == nil || !config.BoolValue(m.cfg.SummaryCacheEnabled, true) {
		return
	}
	m.cache.Set(key, summary, oldCount, oldChars)
}

func (m *Manager) compressWithSummary(ctx context.Context, msgs []protocol.Message, summarize Summarizer) []protocol.Message {
	keepRecent := m.cfg.SummaryKeepRecent
	old := msgs[:len(msgs)-keepRecent]
	recent := msgs[len(msgs)-keepRecent:]

	summary := m.generateSummary(ctx, old, summarize)
	if summary == "" {
		m.truncated = true
		m.truncateInfo = fmt.Sprintf("摘要生成失败，回退截断: %d -> %d 条消息", len(msgs), len(recent))
		m.log.Warn(m.truncateInfo)
		return recent
	}

	result := m.buildSummaryHistory(summary, recent)
	m.truncated = true
	m.truncateInfo = fmt.Sprintf("智能摘要: %d -> %d 条消息 (摘要 %d 字符)",
		len(msgs), len(result), len(summary))
	m.log.Info(m.truncateInfo)
	return result
}

func (m *Manager) generateSummary(ctx context.Context, msgs []protocol.Message, summarize Summarizer) string {
	if len(msgs) == 0 || summarize == nil {
		return ""
	}
	formatted := formatForSummary(msgs)
	if len(formatted) > summaryInputCap {
		formatted = formatted[:summaryInputCap] + "\n...(truncated)"
	}
	prompt := fmt.Sprintf(`请简洁地总结以下对话历史的关键信息，包括：
1. 用户的主要目标和需求
2. 已完成的重要操作
3. 当前的工作状态和上下文

对话历史：
%s

请用中文输出摘要，控制在 %d 字符以内：`, formatted, m.cfg.SummaryMaxLength)

	summary, err := summarize(ctx, prompt)
	if err != nil {
		m.log.Warn("生成摘要失败", "error", err)
		return ""
	}
	if len(summary) > m.cfg.SummaryMaxLength {
		summary = summary[:m.cfg.SummaryMaxLength] + "..."
	}
	return summary
}

// buildSummaryHistory replaces the summarized prefix with a summary turn and
// a placeholder assistant turn, then repairs tool pairing: a leading
// assistant message is dropped and tool results whose tool_use was
// summarized away are removed.
func (m *Manager) buildSummaryHistory(summary string, recent []protocol.Message) []protocol.Message {
	recent = protocol.CloneMessages(recent)
	if len(recent) > 0 && recent[0].Role == "assistant" {
		recent = recent[1:]
	}
	recent = repairToolPairing(recent)

	result := make([]protocol.Message, 0, len(recent)+2)
	result = append(result, protocol.Message{
		Role: "user",
		Content: protocol.BlockList{{
			Type: protocol.BlockText,
			Text: fmt.Sprintf("[Earlier conversation summary]\n%s\n\n[Continuing from recent messages...]", summary),
		}},
	})
	result = append(result, protocol.Message{
		Role:    "assistant",
		Content: protocol.BlockList{{Type: protocol.BlockText, Text: "I understand the context. Let's continue."}},
	})
	return append(result, recent...)
}

// repairToolPairing drops tool_result blocks whose matching tool_use no
// longer precedes them. Messages emptied by the repair are removed.
func repairToolPairing(msgs []protocol.Message) []protocol.Message {
	seen := make(map[string]bool)
	out := msgs[:0]
	for i := range msgs {
		msg := msgs[i]
		var kept protocol.BlockList
		for j := range msg.Content {
			b := msg.Content[j]
			switch b.Type {
			case protocol.BlockToolUse:
				seen[b.ID] = true
				kept = append(kept, b)
			case protocol.BlockToolResult:
				if seen[b.ToolUseID] {
					kept = append(kept, b)
				}
			default:
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			continue
		}
		msg.Content = kept
		out = append(out, msg)
	}
	return out
}

func formatForSummary(msgs []protocol.Message) string {
	var lines []string
	for i := range msgs {
		var parts []string
		for j := range msgs[i].Content {
			b := &msgs[i].Content[j]
			switch b.Type {
			case protocol.BlockText:
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			case protocol.BlockToolUse:
				parts = append(parts, fmt.Sprintf("[Tool: %s]", b.Name))
			case protocol.BlockToolResult:
				parts = append(parts, "[Tool Result]")
			}
		}
		content := strings.Join(parts, " ")
		if len(content) > summaryPerMessageCap {
			content = content[:summaryPerMessageCap] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msgs[i].Role, content))
	}
	return strings.Join(lines, "\n")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
