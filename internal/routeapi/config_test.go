// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routeapi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalConfigYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listener: ":9090"
routing:
  patterns:
    - header: user-agent
      pattern: OpenAIClientImpl/Java
      userID: pycharm-ai
models:
  - name: gpt-4
    baseURL: https://api.example.com/v1
    apiKey: sk-test
memory:
  enabled: true
  baseURL: https://memory.example.com
  apiKey: mk-test
  queryStrategy: all-user
  timeout: 5s
`), 0o600))

	cfg, err := UnmarshalConfigYaml(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	want := &Config{
		Listener:        ":9090",
		ResponseTimeout: DefaultResponseTimeout,
		Routing: RoutingConfig{
			CustomHeader: DefaultUserIDHeader,
			UserIDHeader: DefaultUserIDHeader,
			Patterns: []UserPattern{
				{Header: "user-agent", Pattern: "OpenAIClientImpl/Java", UserID: "pycharm-ai"},
			},
			DefaultUserID: DefaultUserID,
		},
		Models: []ModelEntry{
			{Name: "gpt-4", BaseURL: "https://api.example.com/v1", APIKey: "sk-test"},
		},
		Memory: MemoryConfig{
			Enabled:        true,
			BaseURL:        "https://memory.example.com",
			APIKey:         "mk-test",
			QueryStrategy:  QueryAllUser,
			InjectStrategy: InjectSystem,
			MaxResults:     DefaultMaxResults,
			MaxChars:       DefaultMaxChars,
			Timeout:        5 * time.Second,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalConfigYaml_NotFound(t *testing.T) {
	_, err := UnmarshalConfigYaml(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Models: []ModelEntry{{Name: "gpt-4", BaseURL: "https://api.example.com/v1"}},
		}
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := valid()
		require.NoError(t, cfg.Validate())
		require.Equal(t, ":8080", cfg.Listener)
		require.Equal(t, DefaultUserIDHeader, cfg.Routing.UserIDHeader)
	})

	t.Run("no models", func(t *testing.T) {
		cfg := valid()
		cfg.Models = nil
		require.ErrorContains(t, cfg.Validate(), "at least one model")
	})

	t.Run("duplicate model name", func(t *testing.T) {
		cfg := valid()
		cfg.Models = append(cfg.Models, ModelEntry{Name: "gpt-4", BaseURL: "https://other.example.com/v1"})
		require.ErrorContains(t, cfg.Validate(), `duplicate model name "gpt-4"`)
	})

	t.Run("model without name", func(t *testing.T) {
		cfg := valid()
		cfg.Models[0].Name = ""
		require.ErrorContains(t, cfg.Validate(), "has no name")
	})

	t.Run("memory enabled without key", func(t *testing.T) {
		cfg := valid()
		cfg.Memory = MemoryConfig{Enabled: true, BaseURL: "https://memory.example.com"}
		require.ErrorContains(t, cfg.Validate(), "no API key")
	})

	t.Run("memory enabled without URL", func(t *testing.T) {
		cfg := valid()
		cfg.Memory = MemoryConfig{Enabled: true, APIKey: "mk"}
		require.ErrorContains(t, cfg.Validate(), "no base URL")
	})

	t.Run("allow and deny are exclusive", func(t *testing.T) {
		cfg := valid()
		cfg.Memory = MemoryConfig{
			Enabled: true, BaseURL: "https://memory.example.com", APIKey: "mk",
			AllowModels: []string{"gpt-4"}, DenyModels: []string{"o1"},
		}
		require.ErrorContains(t, cfg.Validate(), "mutually exclusive")
	})

	t.Run("unknown strategies", func(t *testing.T) {
		cfg := valid()
		cfg.Memory = MemoryConfig{Enabled: true, BaseURL: "https://m.example.com", APIKey: "mk", QueryStrategy: "nope"}
		require.ErrorContains(t, cfg.Validate(), "unknown query strategy")

		cfg = valid()
		cfg.Memory = MemoryConfig{Enabled: true, BaseURL: "https://m.example.com", APIKey: "mk", InjectStrategy: "nope"}
		require.ErrorContains(t, cfg.Validate(), "unknown inject strategy")
	})

	t.Run("memory disabled skips checks", func(t *testing.T) {
		cfg := valid()
		cfg.Memory = MemoryConfig{Enabled: false}
		require.NoError(t, cfg.Validate())
	})
}
