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

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/continuation"
	"github.com/kadirpekel/relay/pkg/enhance"
	"github.com/kadirpekel/relay/pkg/history"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/session"
	"github.com/kadirpekel/relay/pkg/stream"
	"github.com/kadirpekel/relay/pkg/tokens"
	"github.com/kadirpekel/relay/pkg/translate"
	"github.com/kadirpekel/relay/pkg/upstream"
)

const (
	defaultMaxTokens = 16384
	maxAllowedTokens = 64000
	defaultModel     = "claude-sonnet-4"
)

// handleMessages is the Anthropic Messages surface: validate, route,
// compress history, enhance, translate, then stream or buffer the answer.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	id := requestID(r)

	var req protocol.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	switch {
	case req.MaxTokens == 0:
		req.MaxTokens = defaultMaxTokens
		s.log.Info("Default max_tokens applied", "request_id", id, "max_tokens", defaultMaxTokens)
	case req.MaxTokens < 1000:
		s.log.Warn("Small max_tokens may truncate the response",
			"request_id", id, "max_tokens", req.MaxTokens)
	case req.MaxTokens > maxAllowedTokens:
		s.log.Warn("Capping max_tokens", "request_id", id, "requested", req.MaxTokens)
		req.MaxTokens = maxAllowedTokens
	}

	sessionID := session.DeriveID(r, &req)
	sess := s.sessions.GetOrCreate(sessionID)
	s.log.Debug("Session resolved", "request_id", id, "session", sessionID[:12])

	// Routing first: the decision may hold an Opus slot for the whole call.
	rt := s.currentRouter()
	decision := rt.Route(&req)
	defer rt.Release(decision)
	if decision.RoutedModel != decision.OriginalModel {
		s.log.Info("Model routed", "request_id", id,
			"from", decision.OriginalModel, "to", decision.RoutedModel, "reason", decision.Reason)
	}
	req.Model = decision.RoutedModel
	sess.Touch(req.Model)
	s.obs.Metrics().RecordRouteDecision(r.Context(),
		decision.OriginalModel, decision.RoutedModel, decision.RoutedModel != decision.OriginalModel)

	// Context enhancement wraps the latest user turn; extraction refreshes
	// in the background.
	msgs := s.ctxMgr.Enhance(sessionID, req.Messages)
	s.ctxMgr.MaybeSchedule(sessionID, msgs)

	// History compression, preferring the async summary cache.
	mgr := history.NewManager(cfg.History, s.sumCache)
	mgr.SetSessionID(sessionID)
	userContent := protocol.LastUserText(msgs)
	summarize := s.summarizer()

	beforeChars := messageChars(msgs)
	var cacheInfo enhance.CacheInfo
	msgs, cacheInfo = s.preprocessHistory(r.Context(), cfg, mgr, sessionID, msgs, userContent, summarize)
	if mgr.WasTruncated() {
		saved := beforeChars - messageChars(msgs)
		s.log.Info("History compressed", "request_id", id,
			"saved_chars", saved, "info", mgr.TruncateInfo())
		s.obs.Metrics().RecordHistoryCompression(r.Context(), "pre_process", saved)
		if warn := mgr.WarningHeader(); warn != "" {
			w.Header().Set("X-Context-Management", warn)
		}
	}
	req.Messages = msgs

	if s.client.UseNative() {
		s.dispatchNative(w, r, cfg, &req, id)
		return
	}
	s.dispatchOpenAI(w, r, cfg, &req, id, cacheInfo)
}

// preprocessHistory applies the strategy stack, using the async summary
// cache when it is fresh so large sessions never wait on a summary call.
func (s *Server) preprocessHistory(ctx context.Context, cfg *config.Config, mgr *history.Manager, sessionID string, msgs []protocol.Message, userContent string, summarize history.Summarizer) ([]protocol.Message, enhance.CacheInfo) {
	var info enhance.CacheInfo

	if !mgr.ShouldSummarize(msgs) {
		return mgr.PreProcess(msgs, userContent), info
	}

	if config.BoolValue(cfg.Enhance.Summary.Enabled, true) {
		if processed, ok := s.sumMgr.CachedProcessed(sessionID); ok {
			info = s.sumMgr.Info(sessionID)
			s.log.Info("Using cached summary", "session", sessionID[:12], "saved_tokens", info.SavedTokens)
			if s.sumMgr.ShouldUpdate(sessionID, len(msgs)) {
				s.sumMgr.MaybeSchedule(sessionID, msgs, userContent, mgr, summarize)
			}
			return processed, info
		}
		if config.BoolValue(cfg.Enhance.Summary.FastFirstRequest, true) {
			// First sighting: simple truncation now, summary in background.
			s.sumMgr.MaybeSchedule(sessionID, msgs, userContent, mgr, summarize)
			return mgr.PreProcess(msgs, userContent), info
		}
	}

	return mgr.PreProcessWithSummary(ctx, msgs, userContent, summarize), info
}

// dispatchOpenAI runs the request through the OpenAI-compatible upstream
// path, streaming or buffered.
func (s *Server) dispatchOpenAI(w http.ResponseWriter, r *http.Request, cfg *config.Config, req *protocol.MessagesRequest, id string, cacheInfo enhance.CacheInfo) {
	opts := translate.ConvertOptions{
		InlineTools:   !config.BoolValue(cfg.Translate.NativeTools, true),
		MergeSameRole: config.BoolValue(cfg.Translate.MergeSameRole, false),
	}
	chatReq := translate.AnthropicToOpenAI(req, opts)

	s.log.Info("Anthropic -> OpenAI", "request_id", id,
		"model", req.Model, "stream", req.Stream,
		"msgs", len(chatReq.Messages), "tools", len(chatReq.Tools), "max_tokens", req.MaxTokens)

	cacheRead := 0
	if cacheInfo.Hit && config.BoolValue(cfg.Enhance.Summary.SimulateCacheBilling, true) {
		cacheRead = cacheInfo.SavedTokens
	}

	tag := upstream.Tag{Prefix: "req", ID: id}
	engine := continuation.NewEngine(cfg.Continuation, func(ctx context.Context, cr *protocol.ChatRequest) (*upstream.StreamResult, error) {
		return s.client.FetchStream(ctx, cr, tag)
	})

	if !req.Stream {
		s.respondBuffered(w, r, cfg, engine, chatReq, req.Model, id, cacheRead)
		return
	}

	em, err := stream.NewSSEEmitter(w)
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	p := stream.New(em, stream.Options{
		RequestID:       id,
		Model:           req.Model,
		InputTokens:     estimateChatInput(chatReq.Messages),
		CacheReadTokens: cacheRead,
		Config:          cfg.Stream,
	})

	if !cfg.Continuation.IsEnabled() {
		if err := stream.Relay(r.Context(), s.client, chatReq, tag, p); err != nil {
			s.log.Error("Stream relay failed", "request_id", id, "error", err)
		}
		return
	}

	if err := p.Start(); err != nil {
		return
	}
	acc, err := engine.Fetch(r.Context(), chatReq, id)
	if err != nil {
		_ = p.FailInternal(err.Error())
		return
	}
	if acc.Continuations > 0 {
		s.obs.Metrics().RecordContinuation(r.Context(), "resumed", acc.Continuations)
	}
	s.obs.Metrics().RecordUpstreamCall(r.Context(), req.Model, 0, acc.InputTokens, acc.OutputTokens, nil)
	if err := p.Replay(acc); err != nil {
		s.log.Error("Stream replay failed", "request_id", id, "error", err)
	}
}

// respondBuffered assembles a non-streaming MessagesResponse via the
// continuation engine. Summary savings show up as cache reads.
func (s *Server) respondBuffered(w http.ResponseWriter, r *http.Request, cfg *config.Config, engine *continuation.Engine, chatReq *protocol.ChatRequest, model, id string, cacheRead int) {
	acc, err := engine.Fetch(r.Context(), chatReq, id)
	if err != nil {
		writeAnthropicError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	// An error before any usable content passes the upstream status through.
	// After continuations the partial text stands, error surface included.
	if acc.Err != nil && acc.Continuations == 0 {
		writeAnthropicError(w, acc.Err.StatusCode, "api_error", acc.Err.Message)
		return
	}
	if acc.Continuations > 0 {
		s.obs.Metrics().RecordContinuation(r.Context(), "resumed", acc.Continuations)
	}

	blocks, stop := stream.Assemble(acc, id)

	input := acc.InputTokens
	if input == 0 {
		input = estimateChatInput(chatReq.Messages)
	}
	output := acc.OutputTokens
	if output == 0 {
		output = tokens.Estimate(acc.Text)
	}
	usage := protocol.Usage{InputTokens: input, OutputTokens: output}
	if cacheRead > 0 {
		usage.CacheReadInputTokens = cacheRead
		usage.InputTokens = input - cacheRead
		if usage.InputTokens < 0 {
			usage.InputTokens = 0
		}
	}

	writeJSON(w, http.StatusOK, &protocol.MessagesResponse{
		ID:         "msg_" + id,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      model,
		StopReason: stop,
		Usage:      usage,
	})
}

// dispatchNative runs the request through the Kiro-native converse path.
func (s *Server) dispatchNative(w http.ResponseWriter, r *http.Request, cfg *config.Config, req *protocol.MessagesRequest, id string) {
	kiroReq := translate.AnthropicToKiro(req)

	if payload, err := json.Marshal(kiroReq); err == nil {
		s.ring.Add(id, payload)
		s.log.Debug("Kiro-native request captured", "request_id", id, "bytes", len(payload))
	}
	s.log.Info("Anthropic -> Kiro native", "request_id", id,
		"model", req.Model, "stream", req.Stream, "tools", len(req.Tools))

	tag := upstream.Tag{Prefix: "req", ID: id}

	if !req.Stream {
		result, err := s.client.Converse(r.Context(), kiroReq, tag)
		if err != nil {
			s.writeUpstreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &protocol.MessagesResponse{
			ID:         "msg_" + id,
			Type:       "message",
			Role:       "assistant",
			Content:    result.Blocks,
			Model:      req.Model,
			StopReason: result.StopReason,
			Usage:      protocol.Usage{InputTokens: result.InputTokens, OutputTokens: result.OutputTokens},
		})
		return
	}

	em, err := stream.NewSSEEmitter(w)
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	p := stream.New(em, stream.Options{
		RequestID:   id,
		Model:       req.Model,
		InputTokens: estimateKiroInput(kiroReq),
		Config:      cfg.Stream,
	})
	if err := p.Start(); err != nil {
		return
	}

	var (
		text       strings.Builder
		toolBlocks []protocol.ContentBlock
		stop       string
		output     int
	)
	err = s.client.ConverseStream(r.Context(), kiroReq, tag, func(ev *upstream.KiroStreamEvent) {
		switch {
		case ev.AssistantResponseEvent != nil:
			text.WriteString(ev.AssistantResponseEvent.Content)
		case ev.ToolUseEvent != nil && ev.ToolUseEvent.Stop:
			input := ev.ToolUseEvent.Input
			if len(input) == 0 {
				input = []byte(`{}`)
			}
			toolID := ev.ToolUseEvent.ToolUseID
			if toolID == "" {
				toolID = translate.NewToolID()
			}
			toolBlocks = append(toolBlocks, protocol.ContentBlock{
				Type:  protocol.BlockToolUse,
				ID:    toolID,
				Name:  ev.ToolUseEvent.Name,
				Input: input,
			})
		case ev.MessageMetadataEvent != nil:
			stop = ev.MessageMetadataEvent.StopReason
			output = ev.MessageMetadataEvent.OutputTokens
		}
	})
	if err != nil {
		if ue, ok := err.(*upstream.UpstreamError); ok && ue.StatusCode > 0 {
			_ = p.FailUpstream(ue)
		} else {
			_ = p.FailInternal(err.Error())
		}
		return
	}

	blocks := translate.SplitThinkingBlocks(text.String())
	blocks = append(blocks, toolBlocks...)
	if err := p.FinishBlocks(blocks, stop, output); err != nil {
		s.log.Error("Native stream failed", "request_id", id, "error", err)
	}
}

// writeUpstreamError maps a side-call failure to the Anthropic envelope.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	if ue, ok := err.(*upstream.UpstreamError); ok && ue.StatusCode > 0 {
		writeAnthropicError(w, ue.StatusCode, "api_error", ue.Message)
		return
	}
	writeAnthropicError(w, http.StatusBadGateway, "api_error", err.Error())
}

// estimateChatInput mirrors the upstream prompt accounting: token estimate
// per message plus a small per-message overhead.
func estimateChatInput(msgs []protocol.ChatMessage) int {
	total := 0
	for i := range msgs {
		total += tokens.Estimate(msgs[i].Content) + 4
	}
	return total
}

func messageChars(msgs []protocol.Message) int {
	total := 0
	for i := range msgs {
		total += len(msgs[i].Text())
	}
	return total
}

func estimateKiroInput(req *protocol.KiroRequest) int {
	total := tokens.Estimate(req.ConversationState.CurrentMessage.UserInputMessage.Content) + 4
	for i := range req.ConversationState.History {
		e := &req.ConversationState.History[i]
		if e.UserInputMessage != nil {
			total += tokens.Estimate(e.UserInputMessage.Content) + 4
		}
		if e.AssistantResponseMessage != nil {
			total += tokens.Estimate(e.AssistantResponseMessage.Content) + 4
		}
	}
	return total
}
