// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/memgw/memgw/internal/memctx"
	"github.com/memgw/memgw/internal/memroute"
	"github.com/memgw/memgw/internal/metrics"
	"github.com/memgw/memgw/internal/proxy"
	"github.com/memgw/memgw/internal/routeapi"
	"github.com/memgw/memgw/internal/sessionpool"
	"github.com/memgw/memgw/internal/version"
)

// defaultAdminPort is used when neither the flag nor the configuration sets
// one.
const defaultAdminPort = 1064

// run assembles the gateway from the configuration file and serves until the
// context is canceled. The proxy and the admin server listen separately so
// /metrics is never reachable from the client-facing port.
func run(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := routeapi.UnmarshalConfigYaml(c.Path)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.AdminPort != 0 {
		cfg.AdminPort = c.AdminPort
	}
	if cfg.AdminPort == 0 {
		cfg.AdminPort = defaultAdminPort
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus reader: %w", err)
	}
	meter, shutdownMetrics, err := metrics.NewMetricsFromEnv(ctx, stdout, promReader)
	if err != nil {
		return fmt.Errorf("failed to configure metrics: %w", err)
	}

	pool := sessionpool.NewPool(cfg.ResponseTimeout)
	defer pool.Shutdown()

	var retriever *memctx.Retriever
	if cfg.Memory.Enabled {
		if retriever, err = memctx.NewRetriever(cfg.Memory, pool, logger); err != nil {
			return err
		}
	}

	resolver := memroute.NewResolver(cfg.Routing, logger)
	gateway := proxy.NewServer(cfg, resolver, pool, retriever, meter, logger)

	proxySrv := &http.Server{
		Addr:              cfg.Listener,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           adminHandler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("memory gateway starting",
		"version", version.Version(),
		"listener", cfg.Listener,
		"admin_port", cfg.AdminPort,
		"models", len(cfg.Models),
		"memory_enabled", cfg.Memory.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serveErr := proxySrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		if serveErr := adminSrv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := proxySrv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("proxy server shutdown", "error", shutdownErr)
		}
		if shutdownErr := adminSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("admin server shutdown", "error", shutdownErr)
		}
		return shutdownMetrics(shutdownCtx)
	})
	return g.Wait()
}

// adminHandler serves the operational endpoints: Prometheus metrics and the
// health probe used by `memgw healthcheck`.
func adminHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}
