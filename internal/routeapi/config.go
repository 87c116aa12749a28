// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package routeapi provides the configuration types for the gateway.
//
// The configuration is decoupled from the serving code so it can be loaded,
// validated and iterated on without a running gateway. Everything here is
// read-only after Validate succeeds at startup; the serving path never
// mutates it.
package routeapi

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserIDHeader is the header carrying the memory-routing user id,
	// both as the inbound override header and on the forwarded request.
	DefaultUserIDHeader = "x-sm-user-id"
	// DefaultUserID is assigned when no pattern matches and the client did
	// not supply the override header.
	DefaultUserID = "default-user"
	// DefaultResponseTimeout bounds a single upstream exchange. LLM
	// generations are slow, so this is deliberately long.
	DefaultResponseTimeout = 10 * time.Minute
	// DefaultMemoryTimeout bounds the context-retrieval preflight.
	DefaultMemoryTimeout = 2 * time.Second
	// DefaultMaxResults caps the number of retrieved context entries.
	DefaultMaxResults = 5
	// DefaultMaxChars caps the total injected context length.
	DefaultMaxChars = 4000
)

// Config is the root configuration of the gateway.
type Config struct {
	// Listener is the address the proxy listens on, e.g. ":8080".
	Listener string `yaml:"listener"`
	// AdminPort is the port of the admin server serving /metrics and /health.
	AdminPort int `yaml:"adminPort"`
	// ResponseTimeout bounds a single upstream exchange. Defaults to
	// DefaultResponseTimeout.
	ResponseTimeout time.Duration `yaml:"responseTimeout"`
	// Routing configures how the memory-routing user id is resolved.
	Routing RoutingConfig `yaml:"routing"`
	// Models is the list of logical models this gateway can route to. Also
	// used to populate the "/v1/models" endpoint.
	Models []ModelEntry `yaml:"models"`
	// Memory configures the optional context-retrieval preflight.
	Memory MemoryConfig `yaml:"memory"`
}

// RoutingConfig configures the user-identity resolver.
type RoutingConfig struct {
	// CustomHeader is the inbound header whose literal value, when non-empty,
	// short-circuits pattern matching. Defaults to DefaultUserIDHeader.
	CustomHeader string `yaml:"customHeader"`
	// UserIDHeader is the header set on the forwarded request with the
	// resolved user id. Defaults to DefaultUserIDHeader.
	UserIDHeader string `yaml:"userIDHeader"`
	// Patterns is the ordered list of header patterns; first match wins.
	Patterns []UserPattern `yaml:"patterns"`
	// DefaultUserID is assigned when nothing matches. Defaults to
	// DefaultUserID.
	DefaultUserID string `yaml:"defaultUserID"`
}

// UserPattern assigns a user id when a regular expression matches a request
// header. Patterns whose regex fails to compile are discarded at load time
// with a warning, never at request time.
type UserPattern struct {
	// Header is the request header to match, case-insensitive.
	Header string `yaml:"header"`
	// Pattern is the regular expression tested against the header value.
	// The match is a search; anchor inside the pattern if needed.
	Pattern string `yaml:"pattern"`
	// UserID is assigned on match.
	UserID string `yaml:"userID"`
}

// ModelEntry maps a logical model name to a concrete upstream.
type ModelEntry struct {
	// Name is the logical model name clients send, e.g. "gpt-4".
	Name string `yaml:"name"`
	// BaseURL is the upstream base, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"baseURL"`
	// ModelNameOverride, when set, replaces the model field on the forwarded
	// request body.
	ModelNameOverride string `yaml:"modelNameOverride,omitempty"`
	// APIKey replaces the client's Authorization header on the forwarded
	// request. When empty, the client's own Authorization passes through.
	APIKey string `yaml:"apiKey,omitempty"`
	// DisableMemory turns off context retrieval for this model regardless of
	// the global memory configuration.
	DisableMemory bool `yaml:"disableMemory,omitempty"`
}

// QueryStrategy selects which message content becomes the retrieval query.
type QueryStrategy string

const (
	QueryLastUser      QueryStrategy = "last-user"
	QueryFirstUser     QueryStrategy = "first-user"
	QueryAllUser       QueryStrategy = "all-user"
	QueryLastAssistant QueryStrategy = "last-assistant"
)

// InjectStrategy selects how retrieved context enters the message list.
type InjectStrategy string

const (
	InjectSystem          InjectStrategy = "system"
	InjectPrefixFirstUser InjectStrategy = "prefix-first-user"
	InjectSuffixLastUser  InjectStrategy = "suffix-last-user"
)

// MemoryConfig configures the context-retrieval preflight against the
// memory backend.
type MemoryConfig struct {
	// Enabled turns the preflight on. All other fields are ignored when
	// false.
	Enabled bool `yaml:"enabled"`
	// BaseURL is the memory backend base URL.
	BaseURL string `yaml:"baseURL"`
	// APIKey is sent as a bearer token to the memory backend.
	APIKey string `yaml:"apiKey"`
	// QueryStrategy defaults to QueryLastUser.
	QueryStrategy QueryStrategy `yaml:"queryStrategy"`
	// InjectStrategy defaults to InjectSystem.
	InjectStrategy InjectStrategy `yaml:"injectStrategy"`
	// MaxResults caps the number of retrieved entries. Defaults to
	// DefaultMaxResults.
	MaxResults int `yaml:"maxResults"`
	// MaxChars caps the total injected character length. Defaults to
	// DefaultMaxChars.
	MaxChars int `yaml:"maxChars"`
	// Timeout bounds the backend call. Defaults to DefaultMemoryTimeout.
	Timeout time.Duration `yaml:"timeout"`
	// AllowModels restricts retrieval to the listed logical models.
	// Mutually exclusive with DenyModels.
	AllowModels []string `yaml:"allowModels,omitempty"`
	// DenyModels disables retrieval for the listed logical models.
	DenyModels []string `yaml:"denyModels,omitempty"`
}

// UnmarshalConfigYaml reads the file at the given path and unmarshals it
// into a Config struct.
func UnmarshalConfigYaml(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants that must hold before serving and fills in
// defaults. Pattern compilation is not done here; the resolver compiles and
// discards broken patterns itself so it can log which ones were dropped.
func (c *Config) Validate() error {
	if c.Listener == "" {
		c.Listener = ":8080"
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Routing.CustomHeader == "" {
		c.Routing.CustomHeader = DefaultUserIDHeader
	}
	if c.Routing.UserIDHeader == "" {
		c.Routing.UserIDHeader = DefaultUserIDHeader
	}
	if c.Routing.DefaultUserID == "" {
		c.Routing.DefaultUserID = DefaultUserID
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	seen := make(map[string]struct{}, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			return fmt.Errorf("model at index %d has no name", i)
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if _, err := url.Parse(m.BaseURL); err != nil || m.BaseURL == "" {
			return fmt.Errorf("model %q has an invalid base URL %q", m.Name, m.BaseURL)
		}
	}

	return c.Memory.validate()
}

func (m *MemoryConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if m.BaseURL == "" {
		return fmt.Errorf("memory is enabled but has no base URL")
	}
	if _, err := url.Parse(m.BaseURL); err != nil {
		return fmt.Errorf("memory base URL %q is invalid: %w", m.BaseURL, err)
	}
	if m.APIKey == "" {
		return fmt.Errorf("memory is enabled but has no API key")
	}
	if len(m.AllowModels) > 0 && len(m.DenyModels) > 0 {
		return fmt.Errorf("allowModels and denyModels are mutually exclusive")
	}
	switch m.QueryStrategy {
	case "":
		m.QueryStrategy = QueryLastUser
	case QueryLastUser, QueryFirstUser, QueryAllUser, QueryLastAssistant:
	default:
		return fmt.Errorf("unknown query strategy %q", m.QueryStrategy)
	}
	switch m.InjectStrategy {
	case "":
		m.InjectStrategy = InjectSystem
	case InjectSystem, InjectPrefixFirstUser, InjectSuffixLastUser:
	default:
		return fmt.Errorf("unknown inject strategy %q", m.InjectStrategy)
	}
	if m.MaxResults <= 0 {
		m.MaxResults = DefaultMaxResults
	}
	if m.MaxChars <= 0 {
		m.MaxChars = DefaultMaxChars
	}
	if m.Timeout <= 0 {
		m.Timeout = DefaultMemoryTimeout
	}
	return nil
}
