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

// Package enhance runs the background enrichment workers: project-context
// extraction and history summarization. Both are fire-and-forget; the main
// request path only ever reads their caches.
package enhance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
)

const (
	contextHistoryWindow  = 20
	contextPerMessageCap  = 500
	contextResultCapBytes = 4 // chars per token of budget
)

const extractionPrompt = `请分析以下对话历史，提取项目的核心上下文信息（100-200 tokens）：

**必须包含**：
1. 编程语言和主要框架
2. 核心功能和业务领域
3. 重要的技术约束或架构决策
4. 当前正在处理的主要任务

**格式要求**：
- 使用简洁的短语，不要完整句子
- 用 | 分隔不同信息点
- 总长度控制在 100-200 tokens

对话历史：
%s

请直接输出项目上下文，不要有任何前缀或解释：`

// ContextCallFunc asks the upstream for a completion on a side channel. The
// token budget already includes extraction headroom.
type ContextCallFunc func(ctx context.Context, model, prompt string, maxTokens int) (string, error)

// ContextStats are the context worker counters.
type ContextStats struct {
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	AsyncTasks     int64 `json:"async_tasks"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	PendingTasks   int   `json:"pending_tasks"`
	CacheSize      int   `json:"cache_size"`
}

// ContextManager extracts a compact project fact sheet from conversation
// history in the background and injects it into later requests. One
// extraction per session runs at a time; the queue is bounded and new work
// is dropped, not queued, when full.
type ContextManager struct {
	cfg  config.ContextEnhanceConfig
	log  *slog.Logger
	call ContextCallFunc

	cache *expirable.LRU[string, string]

	mu      sync.Mutex
	pending map[string]struct{}
	stats   ContextStats
}

// NewContextManager builds a manager using call for upstream extraction.
func NewContextManager(cfg config.ContextEnhanceConfig, call ContextCallFunc) *ContextManager {
	return &ContextManager{
		cfg:     cfg,
		log:     logger.GetLogger(),
		call:    call,
		cache:   expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		pending: make(map[string]struct{}),
	}
}

// CachedContext returns the session's extracted context, if any.
func (m *ContextManager) CachedContext(sessionID string) (string, bool) {
	ctx, ok := m.cache.Get(sessionID)
	m.mu.Lock()
	if ok && ctx != "" {
		m.stats.CacheHits++
	} else {
		m.stats.CacheMisses++
	}
	m.mu.Unlock()
	if ctx == "" {
		return "", false
	}
	return ctx, ok
}

// MaybeSchedule starts a background extraction for the session unless one
// is already running, the queue is full, or a fresh context is cached.
func (m *ContextManager) MaybeSchedule(sessionID string, msgs []protocol.Message) {
	if !config.BoolValue(m.cfg.Enabled, true) || m.call == nil {
		return
	}
	if _, ok := m.cache.Get(sessionID); ok {
		return
	}

	m.mu.Lock()
	if _, running := m.pending[sessionID]; running {
		m.mu.Unlock()
		m.log.Debug("上下文提取任务已在运行，跳过", "session", shortID(sessionID))
		return
	}
	if len(m.pending) >= m.cfg.QueueSize {
		m.mu.Unlock()
		m.log.Warn("上下文提取队列已满，跳过", "session", shortID(sessionID))
		return
	}
	m.pending[sessionID] = struct{}{}
	m.stats.AsyncTasks++
	m.mu.Unlock()

	m.log.Info("启动后台上下文提取任务", "session", shortID(sessionID))
	msgs = protocol.CloneMessages(msgs)
	go m.extract(sessionID, msgs)
}

func (m *ContextManager) extract(sessionID string, msgs []protocol.Message) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
	}()

	history := FormatHistory(msgs, contextHistoryWindow, contextPerMessageCap)
	if history == "" {
		return
	}
	prompt := fmt.Sprintf(extractionPrompt, history)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TaskTimeout)
	defer cancel()

	result, err := m.call(ctx, m.cfg.Model, prompt, m.cfg.MaxTokens+50)
	if err != nil {
		m.mu.Lock()
		m.stats.TasksFailed++
		m.mu.Unlock()
		m.log.Error("后台上下文提取失败", "session", shortID(sessionID), "error", err)
		return
	}
	result = strings.TrimSpace(result)
	if result == "" {
		m.mu.Lock()
		m.stats.TasksFailed++
		m.mu.Unlock()
		m.log.Warn("后台上下文提取返回空", "session", shortID(sessionID))
		return
	}
	if limit := m.cfg.MaxTokens * contextResultCapBytes; len(result) > limit {
		result = result[:limit]
	}

	m.cache.Add(sessionID, result)
	m.mu.Lock()
	m.stats.TasksCompleted++
	m.mu.Unlock()
	m.log.Info("后台上下文提取完成", "session", shortID(sessionID), "chars", len(result))
}

// Enhance injects the cached context into the last user message. Block
// content gets the wrapper on its first text block; everything else is left
// untouched. Without a cached context the input is returned as is.
func (m *ContextManager) Enhance(sessionID string, msgs []protocol.Message) []protocol.Message {
	if !config.BoolValue(m.cfg.Enabled, true) || len(msgs) == 0 {
		return msgs
	}
	if msgs[len(msgs)-1].Role != "user" {
		return msgs
	}
	projectContext, ok := m.CachedContext(sessionID)
	if !ok {
		return msgs
	}

	out := protocol.CloneMessages(msgs)
	last := &out[len(out)-1]
	for i := range last.Content {
		b := &last.Content[i]
		if b.Type == protocol.BlockText {
			b.Text = fmt.Sprintf("<project_context>\n%s\n</project_context>\n\n<user_request>\n%s\n</user_request>",
				projectContext, b.Text)
			break
		}
	}
	return out
}

// Stats snapshots the worker counters.
func (m *ContextManager) Stats() ContextStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.PendingTasks = len(m.pending)
	s.CacheSize = m.cache.Len()
	return s
}

// FormatHistory renders the trailing window of a conversation as
// "role: content" lines for side-channel prompts. Tool blocks render as
// markers; blank messages are skipped.
func FormatHistory(msgs []protocol.Message, window, perMessageCap int) string {
	if len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	var lines []string
	for i := range msgs {
		var sb strings.Builder
		for j := range msgs[i].Content {
			b := &msgs[i].Content[j]
			switch b.Type {
			case protocol.BlockText:
				sb.WriteString(b.Text)
			case protocol.BlockToolUse:
				name := b.Name
				if name == "" {
					name = "unknown"
				}
				fmt.Fprintf(&sb, "[Tool: %s]", name)
			case protocol.BlockToolResult:
				sb.WriteString("[Tool Result]")
			}
		}
		content := sb.String()
		if strings.TrimSpace(content) == "" {
			continue
		}
		if len(content) > perMessageCap {
			content = content[:perMessageCap] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s: %s", msgs[i].Role, content))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
