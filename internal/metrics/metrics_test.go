// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/stretchr/testify/require"
)

func TestNewMetricsFromEnv_PrometheusOnly(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "none")

	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	require.NoError(t, err)

	meter, shutdown, err := NewMetricsFromEnv(t.Context(), &strings.Builder{}, reader)
	require.NoError(t, err)
	require.NotNil(t, meter)
	defer func() { require.NoError(t, shutdown(t.Context())) }()

	cm := NewChatCompletion(meter)
	cm.StartRequest()
	cm.SetModel("m")
	cm.SetBackend("b")
	cm.RecordTokenUsage(t.Context(), 1, 2, 3)
	cm.RecordRequestCompletion(t.Context(), true)

	families, err := registry.Gather()
	require.NoError(t, err)
	hasPrefix := func(prefix string) bool {
		for _, f := range families {
			if strings.HasPrefix(f.GetName(), prefix) {
				return true
			}
		}
		return false
	}
	require.True(t, hasPrefix("gen_ai_client_token_usage"))
	require.True(t, hasPrefix("gen_ai_server_request_duration"))
}

func TestNewMetricsFromEnv_ConsoleExporter(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "console")

	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	require.NoError(t, err)

	var out strings.Builder
	meter, shutdown, err := NewMetricsFromEnv(t.Context(), &out, reader)
	require.NoError(t, err)

	cm := NewChatCompletion(meter)
	cm.StartRequest()
	cm.RecordRequestCompletion(t.Context(), true)

	require.NoError(t, shutdown(t.Context()))
	require.Contains(t, out.String(), "gen_ai.server.request.duration")
}

func TestNewMetricsFromEnv_SDKDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	t.Setenv("OTEL_METRICS_EXPORTER", "console")

	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	require.NoError(t, err)

	var out strings.Builder
	_, shutdown, err := NewMetricsFromEnv(t.Context(), &out, reader)
	require.NoError(t, err)
	require.NoError(t, shutdown(t.Context()))
	require.Empty(t, out.String())
}
