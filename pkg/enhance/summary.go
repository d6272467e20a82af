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

package enhance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/history"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/tokens"
)

// summaryMarker identifies the summary turn inside a processed history.
const summaryMarker = "[Earlier conversation summary]"

// SummaryStats are the summary worker counters.
type SummaryStats struct {
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	AsyncTasks  int64 `json:"async_tasks"`
	TokensSaved int64 `json:"tokens_saved"`

	PendingTasks int `json:"pending_tasks"`
	CacheSize    int `json:"cache_size"`
}

// summaryState is one session's cached summarization result.
type summaryState struct {
	Summary        string
	MessageCount   int
	OriginalTokens int
	CachedTokens   int
	Processed      []protocol.Message
	UpdatedAt      time.Time
}

// CacheInfo describes a session's summary savings for the cache-billing
// simulation: saved tokens are reported as cache reads on the response.
type CacheInfo struct {
	Hit            bool `json:"hit"`
	OriginalTokens int  `json:"original_tokens"`
	CachedTokens   int  `json:"cached_tokens"`
	SavedTokens    int  `json:"saved_tokens"`
}

// SummaryManager precomputes history summaries off the request path so the
// next request in a session can reuse the compressed form immediately.
type SummaryManager struct {
	cfg config.AsyncSummaryConfig
	log *slog.Logger

	cache *expirable.LRU[string, *summaryState]

	mu      sync.Mutex
	pending map[string]struct{}
	stats   SummaryStats
}

// NewSummaryManager builds a manager with its own TTL cache.
func NewSummaryManager(cfg config.AsyncSummaryConfig) *SummaryManager {
	return &SummaryManager{
		cfg:     cfg,
		log:     logger.GetLogger(),
		cache:   expirable.NewLRU[string, *summaryState](cfg.CacheSize, nil, cfg.CacheTTL),
		pending: make(map[string]struct{}),
	}
}

// CachedSummary returns the session's summary text with its original token
// count, if one is cached.
func (m *SummaryManager) CachedSummary(sessionID string) (string, bool, int) {
	state, ok := m.cache.Get(sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok || state.Summary == "" {
		m.stats.CacheMisses++
		return "", false, 0
	}
	m.stats.CacheHits++
	return state.Summary, true, state.OriginalTokens
}

// CachedProcessed returns the precomputed history including the summary
// turn, if one is cached.
func (m *SummaryManager) CachedProcessed(sessionID string) ([]protocol.Message, bool) {
	state, ok := m.cache.Get(sessionID)
	if !ok || len(state.Processed) == 0 {
		return nil, false
	}
	return protocol.CloneMessages(state.Processed), true
}

// Info reports the session's summary savings for billing simulation.
func (m *SummaryManager) Info(sessionID string) CacheInfo {
	state, ok := m.cache.Get(sessionID)
	if !ok || state.Summary == "" {
		return CacheInfo{}
	}
	saved := state.OriginalTokens - state.CachedTokens
	if saved < 0 {
		saved = 0
	}
	return CacheInfo{
		Hit:            true,
		OriginalTokens: state.OriginalTokens,
		CachedTokens:   state.CachedTokens,
		SavedTokens:    saved,
	}
}

// ShouldUpdate reports whether the session's summary is missing or stale
// by the configured message interval.
func (m *SummaryManager) ShouldUpdate(sessionID string, messageCount int) bool {
	state, ok := m.cache.Get(sessionID)
	if !ok {
		return true
	}
	return messageCount-state.MessageCount >= m.cfg.UpdateIntervalMessages
}

// MaybeSchedule starts a background summarization through the history
// manager. At most one job per session runs; the queue cap drops excess
// work instead of blocking the request.
func (m *SummaryManager) MaybeSchedule(sessionID string, msgs []protocol.Message, userContent string, mgr *history.Manager, summarize history.Summarizer) {
	if !config.BoolValue(m.cfg.Enabled, true) || mgr == nil || summarize == nil {
		return
	}

	m.mu.Lock()
	if _, running := m.pending[sessionID]; running {
		m.mu.Unlock()
		m.log.Debug("异步摘要任务已在运行，跳过", "session", shortID(sessionID))
		return
	}
	if len(m.pending) >= m.cfg.MaxPendingTasks {
		m.mu.Unlock()
		m.log.Warn("异步摘要队列已满，跳过", "session", shortID(sessionID))
		return
	}
	m.pending[sessionID] = struct{}{}
	m.stats.AsyncTasks++
	m.mu.Unlock()

	m.log.Info("启动后台摘要任务", "session", shortID(sessionID))
	msgs = protocol.CloneMessages(msgs)
	go m.summarize(sessionID, msgs, userContent, mgr, summarize)
}

func (m *SummaryManager) summarize(sessionID string, msgs []protocol.Message, userContent string, mgr *history.Manager, summarize history.Summarizer) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
	}()

	originalTokens := tokens.EstimateMessages(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TaskTimeout)
	defer cancel()

	processed := mgr.PreProcessWithSummary(ctx, msgs, userContent, summarize)
	if err := ctx.Err(); err != nil {
		m.log.Warn("后台摘要超时", "session", shortID(sessionID))
		return
	}

	var summary string
	for i := range processed {
		text := processed[i].Content.Text()
		if strings.Contains(text, summaryMarker) {
			summary = text
			break
		}
	}
	if summary == "" {
		m.log.Debug("后台摘要完成，但无摘要内容", "session", shortID(sessionID))
		return
	}

	cachedTokens := tokens.EstimateMessages(processed)
	saved := originalTokens - cachedTokens
	m.cache.Add(sessionID, &summaryState{
		Summary:        summary,
		MessageCount:   len(msgs),
		OriginalTokens: originalTokens,
		CachedTokens:   cachedTokens,
		Processed:      processed,
		UpdatedAt:      time.Now(),
	})
	m.mu.Lock()
	if saved > 0 {
		m.stats.TokensSaved += int64(saved)
	}
	m.mu.Unlock()
	m.log.Info("后台摘要完成", "session", shortID(sessionID),
		"original_tokens", originalTokens, "cached_tokens", cachedTokens, "saved", saved)
}

// Stats snapshots the worker counters.
func (m *SummaryManager) Stats() SummaryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.PendingTasks = len(m.pending)
	s.CacheSize = m.cache.Len()
	return s
}
