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

// Package server exposes the gateway over HTTP: the Anthropic Messages
// surface, the OpenAI chat-completions surface, and the operational and
// admin endpoints around them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/kadirpekel/relay/pkg/config"
	"github.com/kadirpekel/relay/pkg/enhance"
	"github.com/kadirpekel/relay/pkg/history"
	"github.com/kadirpekel/relay/pkg/logger"
	"github.com/kadirpekel/relay/pkg/observability"
	"github.com/kadirpekel/relay/pkg/router"
	"github.com/kadirpekel/relay/pkg/session"
	"github.com/kadirpekel/relay/pkg/upstream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	serviceName    = "relay"
	serviceVersion = "1.0.0"

	sessionStoreSize = 2000
	sessionStoreTTL  = 2 * time.Hour
)

// Server wires every gateway component behind one HTTP listener. The config
// pointer is swapped whole on hot reload; handlers take a snapshot per
// request.
type Server struct {
	mu  sync.RWMutex
	cfg *config.Config
	log *slog.Logger

	loader *config.Loader
	obs    *observability.Manager

	router   *router.Router
	sessions *session.Store
	sumCache *history.SummaryCache
	ctxMgr   *enhance.ContextManager
	sumMgr   *enhance.SummaryManager
	client   *upstream.Client
	ring     *observability.DebugRing

	httpServer *http.Server
}

// Options configure New beyond the config itself.
type Options struct {
	// Loader, when set, feeds hot reloads into the running server.
	Loader *config.Loader

	// Observability defaults to a disabled manager.
	Observability *observability.Manager
}

// New builds a server from config. Call Run to serve.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	obs := opts.Observability
	if obs == nil {
		obs = observability.NoopManager()
	}

	s := &Server{
		cfg:      cfg,
		log:      logger.GetLogger(),
		loader:   opts.Loader,
		obs:      obs,
		sessions: session.NewStore(sessionStoreSize, sessionStoreTTL),
		sumCache: history.NewSummaryCache(cfg.History.SummaryCacheMaxEntries),
		client:   upstream.New(cfg.Upstream),
		ring:     observability.NewDebugRing(),
	}
	s.router = router.New(cfg.Router)
	s.ctxMgr = enhance.NewContextManager(cfg.Enhance.Context, s.contextCall)
	s.sumMgr = enhance.NewSummaryManager(cfg.Enhance.Summary)

	if s.loader != nil {
		s.loader.SetOnChange(s.applyConfig)
	}
	return s, nil
}

// snapshot returns the current config under the read lock.
func (s *Server) snapshot() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// applyConfig installs a reloaded config. The upstream transport and the
// caches survive; the router is rebuilt so new thresholds apply (its stats
// reset with it).
func (s *Server) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.router = router.New(cfg.Router)
	s.mu.Unlock()
	s.log.Info("Configuration reloaded", "port", cfg.Server.Port)
}

// replaceHistoryConfig swaps the history section at runtime (admin surface).
func (s *Server) replaceHistoryConfig(hc config.HistoryConfig) error {
	hc.SetDefaults()
	if err := hc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg := *s.cfg
	cfg.History = hc
	s.cfg = &cfg
	s.mu.Unlock()
	return nil
}

// currentRouter returns the live router under the read lock.
func (s *Server) currentRouter() *router.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// summarizer adapts the upstream side channel to the history manager.
func (s *Server) summarizer() history.Summarizer {
	cfg := s.snapshot()
	return func(ctx context.Context, prompt string) (string, error) {
		return s.client.Complete(ctx, cfg.Enhance.Summary.Model, prompt, summaryMaxTokens, upstream.Tag{Prefix: "summary"})
	}
}

// contextCall adapts the upstream side channel to context extraction.
func (s *Server) contextCall(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	return s.client.Complete(ctx, model, prompt, maxTokens, upstream.Tag{Prefix: "context"})
}

const summaryMaxTokens = 2000

// Handler builds the routed HTTP handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Order: request-id -> timing -> recovery -> logging -> cors -> metrics
	r.Use(requestIDMiddleware)
	r.Use(responseTimeMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)
	r.Use(s.obs.Middleware())

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleListModels)

	r.Get("/", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)
	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/config", s.handleAdminConfig)
		r.Post("/config/history", s.handleAdminHistoryConfig)
		r.Get("/routing/stats", s.handleRoutingStats)
		r.Post("/routing/reset", s.handleRoutingReset)
		r.Get("/async-summary/stats", s.handleSummaryStats)
		r.Get("/debug/upstream", s.handleDebugUpstream)
	})

	if s.obs.MetricsEnabled() {
		r.Get(s.obs.MetricsPath(), s.obs.MetricsHandler().ServeHTTP)
	}

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.snapshot()

	s.httpServer = &http.Server{
		Addr:        cfg.Server.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Writes cover the whole streamed response.
		WriteTimeout: cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Gateway listening",
			"addr", cfg.Server.Address(), "upstream", cfg.Upstream.BaseURL,
			"native", s.client.UseNative())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("Gateway stopped")
	return nil
}
