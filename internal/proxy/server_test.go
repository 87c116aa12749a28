// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/goleak"

	"github.com/memgw/memgw/internal/memctx"
	"github.com/memgw/memgw/internal/memroute"
	"github.com/memgw/memgw/internal/routeapi"
	"github.com/memgw/memgw/internal/sessionpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testGateway builds a full server around the given config, with its own
// session pool and a manual-reader meter.
func testGateway(t *testing.T, cfg *routeapi.Config) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	pool := sessionpool.NewPool(cfg.ResponseTimeout)
	t.Cleanup(pool.Shutdown)

	var retriever *memctx.Retriever
	if cfg.Memory.Enabled {
		var err error
		retriever, err = memctx.NewRetriever(cfg.Memory, pool, logger)
		require.NoError(t, err)
	}

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	resolver := memroute.NewResolver(cfg.Routing, logger)
	return NewServer(cfg, resolver, pool, retriever, meter, logger), reader
}

func singleModelConfig(upstreamURL string) *routeapi.Config {
	return &routeapi.Config{
		Models: []routeapi.ModelEntry{{
			Name:    "gpt-4",
			BaseURL: upstreamURL + "/v1",
			APIKey:  "sk-upstream",
		}},
	}
}

func TestListModels(t *testing.T) {
	cfg := &routeapi.Config{
		Models: []routeapi.ModelEntry{
			{Name: "gpt-4", BaseURL: "https://a.example.com/v1"},
			{Name: "claude", BaseURL: "https://b.example.com/v1"},
		},
	}
	s, _ := testGateway(t, cfg)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	require.Equal(t, "gpt-4", list.Data[0].ID)
	require.Equal(t, "claude", list.Data[1].ID)
	require.Equal(t, "model", list.Data[0].Object)
}

func TestHealth(t *testing.T) {
	s, _ := testGateway(t, singleModelConfig("https://unused.example.com"))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestRoutingInfo(t *testing.T) {
	cfg := singleModelConfig("https://unused.example.com")
	cfg.Routing.Patterns = []routeapi.UserPattern{
		{Header: "x-team", Pattern: "^platform$", UserID: "team-platform"},
	}
	s, _ := testGateway(t, cfg)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(t *testing.T, headers map[string]string) routingInfoResponse {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/memory-routing/info", nil)
		require.NoError(t, err)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var doc routingInfoResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		return doc
	}

	t.Run("default", func(t *testing.T) {
		doc := get(t, nil)
		require.Equal(t, routeapi.DefaultUserID, doc.UserID)
		require.Equal(t, memroute.MatchDefault, doc.Matched)
		require.True(t, doc.IsDefault)
		require.Nil(t, doc.MatchedPattern)
		require.False(t, doc.CustomHeaderPresent)
		require.Equal(t, []string{"gpt-4"}, doc.Models)
		require.False(t, doc.MemoryEnabled)
	})

	t.Run("pattern match", func(t *testing.T) {
		doc := get(t, map[string]string{"x-team": "platform"})
		require.Equal(t, "team-platform", doc.UserID)
		require.Equal(t, memroute.MatchPattern, doc.Matched)
		require.False(t, doc.IsDefault)
		require.NotNil(t, doc.MatchedPattern)
		require.Equal(t, "x-team", doc.MatchedPattern.Header)
		require.Equal(t, "^platform$", doc.MatchedPattern.Pattern)
	})

	t.Run("custom header", func(t *testing.T) {
		doc := get(t, map[string]string{routeapi.DefaultUserIDHeader: "alice"})
		require.Equal(t, "alice", doc.UserID)
		require.Equal(t, memroute.MatchCustomHeader, doc.Matched)
		require.True(t, doc.CustomHeaderPresent)
	})
}

func TestRoutingInfo_UptimeAndVersion(t *testing.T) {
	s, _ := testGateway(t, singleModelConfig("https://unused.example.com"))
	s.startTime = time.Now().Add(-3 * time.Second)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/memory-routing/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var doc routingInfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.GreaterOrEqual(t, doc.UptimeSeconds, int64(3))
	require.NotEmpty(t, doc.Version)
}
