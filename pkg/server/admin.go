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
	"net/http"
	"time"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/protocol"
	"github.com/kadirpekel/relay/pkg/tokens"
)

// modelCatalogCreated is the fixed creation stamp advertised for every
// catalog entry.
const modelCatalogCreated = 1699900000

var modelCatalog = []string{
	"claude-opus-4-5-20251101",
	"claude-sonnet-4-5-20250929",
	"claude-haiku-4-5-20251001",
	"claude-sonnet-4",
	"claude-haiku-4",
	"claude-opus-4",
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": float64(time.Now().UnixMilli()) / 1000,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries := make([]map[string]any, 0, len(modelCatalog))
	for _, id := range modelCatalog {
		entries = append(entries, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  modelCatalogCreated,
			"owned_by": "anthropic",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"object": "list",
	})
}

// handleCountTokens estimates billing tokens for a request without calling
// the upstream.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req protocol.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}
	count := tokens.CountForBilling(req.System.Text(), req.Messages, req.Tools)
	writeJSON(w, http.StatusOK, map[string]any{"input_tokens": count})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"kiro_proxy_url": cfg.Upstream.BaseURL,
		"history_config": cfg.History.Snapshot(),
	})
}

// handleAdminHistoryConfig replaces the history section at runtime.
func (s *Server) handleAdminHistoryConfig(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "Invalid JSON")
		return
	}
	hc, err := config.HistoryConfigFromMap(payload)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.replaceHistoryConfig(*hc); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.log.Info("History config replaced via admin API")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"config": hc.Snapshot(),
	})
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"routing": map[string]any{
			"enabled": cfg.Router.IsEnabled(),
			"stats":   s.currentRouter().Stats(),
			"config": map[string]any{
				"opus_model":   cfg.Router.OpusModel,
				"sonnet_model": cfg.Router.SonnetModel,
				"thresholds": map[string]any{
					"base_opus_probability":        cfg.Router.BaseOpusProbability,
					"first_turn_opus_probability":  cfg.Router.FirstTurnOpusProbability,
					"execution_sonnet_probability": cfg.Router.ExecutionSonnetProbability,
					"execution_tool_threshold":     cfg.Router.ExecutionToolThreshold,
					"opus_max_concurrent":          cfg.Router.OpusMaxConcurrent,
				},
			},
		},
	})
}

func (s *Server) handleRoutingReset(w http.ResponseWriter, r *http.Request) {
	s.currentRouter().Reset()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Routing stats reset",
	})
}

func (s *Server) handleSummaryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"async_summary": s.sumMgr.Stats(),
		"context":       s.ctxMgr.Stats(),
		"sessions":      s.sessions.Len(),
	})
}

// handleDebugUpstream dumps the last captured upstream payloads.
func (s *Server) handleDebugUpstream(w http.ResponseWriter, r *http.Request) {
	entries := s.ring.Snapshot()
	out := make([]map[string]any, 0, len(entries))
	for i := range entries {
		out = append(out, map[string]any{
			"label":   entries[i].Label,
			"time":    entries[i].Time.Format(time.RFC3339),
			"payload": entries[i].Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"entries": out,
	})
}
