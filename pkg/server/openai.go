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
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kadirpekel/relay/pkg/history"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/session"
	"github.com/kadirpekel/relay/pkg/upstream"
)

const retryBackoff = time.Second

// handleChatCompletions is the OpenAI-compatible passthrough surface. The
// gateway compresses history, forwards the request as-is, and relays the
// upstream bytes. Context-length errors shrink the history and retry.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	id := requestID(r)

	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	sessionID := session.DeriveChatID(r, &req)
	s.sessions.GetOrCreate(sessionID).Touch(req.Model)

	mgr := history.NewManager(cfg.History, s.sumCache)
	mgr.SetSessionID(sessionID)
	req.Messages = preprocessChat(mgr, req.Messages)
	if mgr.WasTruncated() {
		s.log.Info("Chat history compressed", "request_id", id, "info", mgr.TruncateInfo())
		if warn := mgr.WarningHeader(); warn != "" {
			w.Header().Set("X-Context-Management", warn)
		}
	}

	s.log.Info("Chat completions", "request_id", id,
		"model", req.Model, "stream", req.Stream, "msgs", len(req.Messages))

	if req.Stream {
		s.relayChatStream(w, r, &req, mgr, id, cfg.History.MaxRetries)
		return
	}
	s.relayChatBuffered(w, r, &req, mgr, id, cfg.History.MaxRetries)
}

// chatToAnthropic lifts OpenAI-shaped messages into the block shape the
// history manager works on.
func chatToAnthropic(msgs []protocol.ChatMessage) []protocol.Message {
	conv := make([]protocol.Message, 0, len(msgs))
	for i := range msgs {
		conv = append(conv, protocol.Message{
			Role:    msgs[i].Role,
			Content: protocol.BlockList{{Type: protocol.BlockText, Text: msgs[i].Content}},
		})
	}
	return conv
}

// preprocessChat applies history compression to OpenAI-shaped messages by
// round-tripping them through the Anthropic shape the manager works on.
func preprocessChat(mgr *history.Manager, msgs []protocol.ChatMessage) []protocol.ChatMessage {
	conv := chatToAnthropic(msgs)
	var userContent string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userContent = msgs[i].Content
			break
		}
	}
	processed := mgr.PreProcess(conv, userContent)
	if !mgr.WasTruncated() {
		return msgs
	}
	out := make([]protocol.ChatMessage, 0, len(processed))
	for i := range processed {
		out = append(out, protocol.ChatMessage{
			Role:    processed[i].Role,
			Content: processed[i].Text(),
		})
	}
	return out
}

// relayChatBuffered proxies a non-streaming request, retrying on
// context-length errors with progressively shorter history.
func (s *Server) relayChatBuffered(w http.ResponseWriter, r *http.Request, req *protocol.ChatRequest, mgr *history.Manager, id string, maxRetries int) {
	tag := upstream.Tag{Prefix: "chat", ID: id}
	summarize := s.summarizer()

	for retry := 0; ; retry++ {
		resp, err := s.client.Open(r.Context(), req, tag)
		if err != nil {
			if isTimeout(err) && retry < maxRetries {
				s.log.Warn("Upstream timeout, retrying", "request_id", id, "attempt", retry+1)
				time.Sleep(retryBackoff)
				continue
			}
			writeOpenAIError(w, http.StatusGatewayTimeout, "timeout_error", "Upstream request timed out")
			return
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			writeOpenAIError(w, http.StatusBadGateway, "api_error", readErr.Error())
			return
		}

		if resp.StatusCode == http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}

		if history.IsContentLengthError(resp.StatusCode, string(body)) {
			if shorter, ok := s.retryShorterHistory(r.Context(), req, mgr, retry, summarize, id); ok {
				req.Messages = shorter
				continue
			}
			writeOpenAIError(w, http.StatusServiceUnavailable, "api_error", "All retries exhausted")
			return
		}
		writeOpenAIError(w, resp.StatusCode, "api_error", clip(string(body), 500))
		return
	}
}

// relayChatStream proxies a streaming request byte-for-byte. Errors before
// the first byte can still shrink the history and retry; after that the
// stream is committed.
func (s *Server) relayChatStream(w http.ResponseWriter, r *http.Request, req *protocol.ChatRequest, mgr *history.Manager, id string, maxRetries int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}
	tag := upstream.Tag{Prefix: "chat", ID: id}
	summarize := s.summarizer()

	for retry := 0; ; retry++ {
		resp, err := s.client.Open(r.Context(), req, tag)
		if err != nil {
			if isTimeout(err) && retry < maxRetries {
				s.log.Warn("Upstream timeout, retrying stream", "request_id", id, "attempt", retry+1)
				time.Sleep(retryBackoff)
				continue
			}
			s.writeStreamError(w, flusher, http.StatusGatewayTimeout, "timeout_error", "Upstream request timed out")
			return
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if history.IsContentLengthError(resp.StatusCode, string(body)) {
				if shorter, ok := s.retryShorterHistory(r.Context(), req, mgr, retry, summarize, id); ok {
					req.Messages = shorter
					continue
				}
				s.writeStreamError(w, flusher, http.StatusServiceUnavailable, "api_error", "All retries exhausted")
				return
			}
			s.writeStreamError(w, flusher, resp.StatusCode, "api_error", clip(string(body), 500))
			return
		}

		s.copyStream(w, flusher, resp.Body, id)
		resp.Body.Close()
		return
	}
}

// retryShorterHistory asks the manager for a reduced history after a
// context-length rejection. Returns false when nothing further can be cut.
func (s *Server) retryShorterHistory(ctx context.Context, req *protocol.ChatRequest, mgr *history.Manager, retry int, summarize history.Summarizer, id string) ([]protocol.ChatMessage, bool) {
	shorter, ok := mgr.HandleLengthError(ctx, chatToAnthropic(req.Messages), retry, summarize)
	if !ok {
		return nil, false
	}
	s.log.Warn("Context length exceeded, retrying with shorter history",
		"request_id", id, "attempt", retry+1, "messages", len(shorter))
	out := make([]protocol.ChatMessage, 0, len(shorter))
	for i := range shorter {
		out = append(out, protocol.ChatMessage{Role: shorter[i].Role, Content: shorter[i].Text()})
	}
	return out, true
}

// copyStream relays SSE bytes, flushing per read so chunks reach the client
// as they arrive.
func (s *Server) copyStream(w http.ResponseWriter, flusher http.Flusher, body io.Reader, id string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.log.Debug("Client disconnected mid-stream", "request_id", id)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn("Upstream stream ended abnormally", "request_id", id, "error", err)
			}
			return
		}
	}
}

// writeStreamError emits the error as an SSE event followed by [DONE], the
// shape streaming OpenAI clients expect.
func (s *Server) writeStreamError(w http.ResponseWriter, flusher http.Flusher, status int, kind, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	})
	_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
