// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy implements the gateway's HTTP surface: the chat completion
// forwarding path, the local model listing, the diagnostics endpoint and the
// health check.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/memgw/memgw/internal/apischema/openai"
	"github.com/memgw/memgw/internal/memctx"
	"github.com/memgw/memgw/internal/memroute"
	"github.com/memgw/memgw/internal/routeapi"
	"github.com/memgw/memgw/internal/sessionpool"
)

// Server holds everything the request path needs. All fields are set at
// construction and never mutated, so handlers share it freely.
type Server struct {
	logger   *slog.Logger
	resolver *memroute.Resolver
	pool     *sessionpool.Pool
	// retriever is nil when the context-retrieval preflight is disabled.
	retriever *memctx.Retriever

	// models indexes the configured entries by logical name; modelNames keeps
	// the configuration order for the /v1/models listing.
	models     map[string]*routeapi.ModelEntry
	modelNames []string

	userIDHeader string
	meter        metric.Meter
	startTime    time.Time
}

// NewServer wires the request path. retriever may be nil.
func NewServer(cfg *routeapi.Config, resolver *memroute.Resolver, pool *sessionpool.Pool,
	retriever *memctx.Retriever, meter metric.Meter, logger *slog.Logger,
) *Server {
	models := make(map[string]*routeapi.ModelEntry, len(cfg.Models))
	names := make([]string, 0, len(cfg.Models))
	for i := range cfg.Models {
		m := &cfg.Models[i]
		models[m.Name] = m
		names = append(names, m.Name)
	}
	return &Server{
		logger:       logger,
		resolver:     resolver,
		pool:         pool,
		retriever:    retriever,
		models:       models,
		modelNames:   names,
		userIDHeader: cfg.Routing.UserIDHeader,
		meter:        meter,
		startTime:    time.Now(),
	}
}

// Handler returns the proxy's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.chatCompletions)
	mux.HandleFunc("GET /v1/models", s.listModels)
	mux.HandleFunc("GET /memory-routing/info", s.routingInfo)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

// listModels serves the locally-configured model catalog. The upstreams are
// never consulted: a request for a model outside this list cannot be routed
// anyway.
func (s *Server) listModels(w http.ResponseWriter, _ *http.Request) {
	list := openai.ModelList{Object: "list", Data: make([]openai.Model, 0, len(s.modelNames))}
	for _, name := range s.modelNames {
		list.Data = append(list.Data, openai.Model{
			ID:      name,
			Object:  "model",
			Created: s.startTime.Unix(),
			OwnedBy: "memgw",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.logger.Error("failed to encode model list", "error", err)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}
