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

// Package router selects the model tier for each request. Expensive Opus
// capacity goes to work that needs deep reasoning; execution-phase traffic
// runs on Sonnet. Probabilistic branches hash the request so retries land on
// the same tier.
package router

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/protocol"
)

// Decision is the outcome of routing one request.
type Decision struct {
	OriginalModel string
	RoutedModel   string
	Reason        string
	Priority      int

	// OpusSlot marks that this decision holds an Opus concurrency slot;
	// the caller must hand the decision back to Release when done.
	OpusSlot bool
}

// Plan-mode markers anywhere in the conversation force Opus: the user is in
// a design discussion even when the individual message looks executional.
var planModeMarkers = []string{
	"enterplanmode",
	"exitplanmode",
	"plan mode",
	"计划模式",
	"规划模式",
}

// Router routes requests between the Opus, Sonnet, and Haiku tiers.
type Router struct {
	cfg config.RouterConfig
	log *slog.Logger

	opusSem *semaphore.Weighted

	opusKeywords   []string
	sonnetKeywords []string

	mu      sync.Mutex
	counts  map[string]int64
	reasons map[string]int64
}

// New builds a Router from its config section.
func New(cfg config.RouterConfig) *Router {
	cfg.SetDefaults()
	return &Router{
		cfg:            cfg,
		log:            logger.GetLogger(),
		opusSem:        semaphore.NewWeighted(int64(cfg.OpusMaxConcurrent)),
		opusKeywords:   lowerAll(cfg.OpusKeywords),
		sonnetKeywords: lowerAll(cfg.SonnetKeywords),
		counts:         make(map[string]int64),
		reasons:        make(map[string]int64),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Route decides the model tier for a request.
func (r *Router) Route(req *protocol.MessagesRequest) Decision {
	original := req.Model

	if !r.cfg.IsEnabled() {
		return r.record(Decision{OriginalModel: original, RoutedModel: original, Reason: "路由未启用"})
	}

	lower := strings.ToLower(original)
	if !strings.Contains(lower, "claude") {
		return r.record(Decision{OriginalModel: original, RoutedModel: original, Reason: "非Claude请求"})
	}
	if strings.Contains(lower, "haiku") {
		return r.record(Decision{
			OriginalModel: original,
			RoutedModel:   r.cfg.HaikuModel,
			Reason:        "explicit_haiku",
			Priority:      1,
		})
	}

	d := r.decide(req)
	d.OriginalModel = original

	if d.RoutedModel == r.cfg.OpusModel {
		if r.opusSem.TryAcquire(1) {
			d.OpusSlot = true
		} else {
			// Opus is saturated; Sonnet keeps latency bounded.
			d.RoutedModel = r.cfg.SonnetModel
			d.Reason = "opus_degraded"
		}
	}

	d = r.record(d)
	r.log.Debug("routing decision",
		"original", d.OriginalModel,
		"routed", d.RoutedModel,
		"reason", d.Reason,
		"priority", d.Priority)
	return d
}

// Release returns the Opus slot held by a decision, if any.
func (r *Router) Release(d Decision) {
	if d.OpusSlot {
		r.opusSem.Release(1)
	}
}

func (r *Router) decide(req *protocol.MessagesRequest) Decision {
	lastUser := protocol.LastUserText(req.Messages)
	seed := fmt.Sprintf("%d:%s", len(req.Messages), truncateRunes(lastUser, 200))

	if hasThinking(req) {
		return Decision{RoutedModel: r.cfg.OpusModel, Reason: "ExtendedThinking", Priority: 1}
	}

	if hasPlanModeMarker(req.Messages) {
		return Decision{RoutedModel: r.cfg.OpusModel, Reason: "PlanMode", Priority: 2}
	}

	lastUserLower := strings.ToLower(lastUser)
	if kw := matchKeyword(lastUserLower, r.opusKeywords); kw != "" {
		return Decision{RoutedModel: r.cfg.OpusModel, Reason: fmt.Sprintf("Opus关键词[%s]", kw), Priority: 3}
	}
	if kw := matchKeyword(lastUserLower, r.sonnetKeywords); kw != "" {
		return Decision{RoutedModel: r.cfg.SonnetModel, Reason: fmt.Sprintf("Sonnet关键词[%s]", kw), Priority: 4}
	}

	userCount := protocol.CountUserMessages(req.Messages)
	toolCalls := countToolActivity(req.Messages)

	if toolCalls >= r.cfg.ExecutionToolThreshold {
		if hashProbability(seed+":exec", r.cfg.ExecutionSonnetProbability) {
			return Decision{
				RoutedModel: r.cfg.SonnetModel,
				Reason:      fmt.Sprintf("执行阶段(%d次工具,%d%%Sonnet)", toolCalls, r.cfg.ExecutionSonnetProbability),
				Priority:    5,
			}
		}
		return Decision{
			RoutedModel: r.cfg.OpusModel,
			Reason:      fmt.Sprintf("执行阶段随机Opus(%d次工具)", toolCalls),
			Priority:    5,
		}
	}

	if userCount <= r.cfg.FirstTurnMaxMessages {
		if hashProbability(seed+":first", r.cfg.FirstTurnOpusProbability) {
			return Decision{
				RoutedModel: r.cfg.OpusModel,
				Reason:      fmt.Sprintf("首轮对话(%d条,%d%%)", userCount, r.cfg.FirstTurnOpusProbability),
				Priority:    6,
			}
		}
		return Decision{
			RoutedModel: r.cfg.SonnetModel,
			Reason:      fmt.Sprintf("首轮随机Sonnet(%d条)", userCount),
			Priority:    6,
		}
	}

	if hashProbability(seed+":base", r.cfg.BaseOpusProbability) {
		return Decision{
			RoutedModel: r.cfg.OpusModel,
			Reason:      fmt.Sprintf("保底概率(%d%%)", r.cfg.BaseOpusProbability),
			Priority:    7,
		}
	}
	return Decision{
		RoutedModel: r.cfg.SonnetModel,
		Reason:      fmt.Sprintf("默认Sonnet(msg=%d,tools=%d)", userCount, toolCalls),
		Priority:    7,
	}
}

func (r *Router) record(d Decision) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts["total"]++
	switch {
	case d.Reason == "opus_degraded":
		r.counts["opus_degraded"]++
		r.counts["sonnet"]++
	case strings.Contains(strings.ToLower(d.RoutedModel), "opus"):
		r.counts["opus"]++
	case strings.Contains(strings.ToLower(d.RoutedModel), "sonnet"):
		r.counts["sonnet"]++
	case strings.Contains(strings.ToLower(d.RoutedModel), "haiku"):
		r.counts["haiku"]++
	default:
		r.counts["other"]++
	}
	r.reasons[d.Reason]++
	return d
}

// Stats snapshots the routing counters.
func (r *Router) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	opus := r.counts["opus"]
	sonnet := r.counts["sonnet"]
	ratio := "N/A"
	if opus+sonnet > 0 {
		divisor := opus
		if divisor == 0 {
			divisor = 1
		}
		ratio = fmt.Sprintf("1:%.1f", float64(sonnet)/float64(divisor))
	}

	reasons := make(map[string]int64, len(r.reasons))
	for k, v := range r.reasons {
		reasons[k] = v
	}
	return map[string]any{
		"total_requests":    r.counts["total"],
		"opus_requests":     opus,
		"sonnet_requests":   sonnet,
		"haiku_requests":    r.counts["haiku"],
		"other_requests":    r.counts["other"],
		"opus_degraded":     r.counts["opus_degraded"],
		"opus_sonnet_ratio": ratio,
		"routing_reasons":   reasons,
	}
}

// Reset clears the routing counters.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]int64)
	r.reasons = make(map[string]int64)
}

// hashProbability reports whether the seed falls under the given percentage.
// The same seed always lands on the same side, so a retried request routes
// identically.
func hashProbability(seed string, threshold int) bool {
	sum := md5.Sum([]byte(seed))
	val, err := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 64)
	if err != nil {
		return false
	}
	return int(val%100) < threshold
}

func hasThinking(req *protocol.MessagesRequest) bool {
	if req.Thinking != nil {
		return true
	}
	for i := range req.Messages {
		for j := range req.Messages[i].Content {
			if req.Messages[i].Content[j].Type == protocol.BlockThinking {
				return true
			}
		}
	}
	return false
}

func hasPlanModeMarker(msgs []protocol.Message) bool {
	for i := range msgs {
		for j := range msgs[i].Content {
			text := strings.ToLower(msgs[i].Content[j].PlainText())
			if text == "" {
				continue
			}
			for _, marker := range planModeMarkers {
				if strings.Contains(text, marker) {
					return true
				}
			}
		}
	}
	return false
}

func matchKeyword(textLower string, keywords []string) string {
	if textLower == "" {
		return ""
	}
	for _, kw := range keywords {
		if strings.Contains(textLower, kw) {
			return kw
		}
	}
	return ""
}

// countToolActivity counts tool_use and tool_result blocks; both signal the
// conversation is in an execution phase.
func countToolActivity(msgs []protocol.Message) int {
	n := 0
	for i := range msgs {
		for j := range msgs[i].Content {
			switch msgs[i].Content[j].Type {
			case protocol.BlockToolUse, protocol.BlockToolResult:
				n++
			}
		}
	}
	return n
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
