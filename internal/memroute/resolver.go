// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package memroute resolves the memory-routing user id for a request from
// its headers.
package memroute

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/memgw/memgw/internal/routeapi"
)

// MatchKind tags how the user id was resolved.
type MatchKind string

const (
	// MatchCustomHeader means the client supplied the override header.
	MatchCustomHeader MatchKind = "custom-header"
	// MatchPattern means a configured header pattern matched.
	MatchPattern MatchKind = "pattern"
	// MatchDefault means nothing matched and the default id was assigned.
	MatchDefault MatchKind = "default"
)

// Pattern is a compiled user pattern. Every Pattern held by a Resolver
// carries a successfully compiled regex; broken patterns are discarded at
// construction.
type Pattern struct {
	// Header is the request header to match, lower-cased.
	Header string
	// Source is the original regex text, reported by diagnostics.
	Source string
	// UserID is assigned on match.
	UserID string

	re *regexp.Regexp
}

// Result describes one resolution. It is the document returned by the
// diagnostics endpoint.
type Result struct {
	// UserID is the resolved id, never empty.
	UserID string
	// Matched tags which rule produced the id.
	Matched MatchKind
	// Pattern is the matching pattern when Matched is MatchPattern.
	Pattern *Pattern
	// CustomHeaderPresent reports whether the override header carried a
	// non-empty value.
	CustomHeaderPresent bool
}

// Resolver resolves user ids from request headers. It is immutable and safe
// for concurrent use.
type Resolver struct {
	customHeader  string
	patterns      []Pattern
	defaultUserID string
}

// NewResolver compiles the routing configuration. Patterns whose regex does
// not compile are dropped with a warning so a single bad rule cannot take
// the gateway down.
func NewResolver(cfg routeapi.RoutingConfig, logger *slog.Logger) *Resolver {
	patterns := make([]Pattern, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			logger.Warn("discarding user pattern with invalid regex",
				"header", p.Header, "pattern", p.Pattern, "error", err)
			continue
		}
		patterns = append(patterns, Pattern{
			Header: strings.ToLower(p.Header),
			Source: p.Pattern,
			UserID: p.UserID,
			re:     re,
		})
	}
	return &Resolver{
		customHeader:  cfg.CustomHeader,
		patterns:      patterns,
		defaultUserID: cfg.DefaultUserID,
	}
}

// Resolve produces the user id for the given headers. It never fails:
// custom header first, then patterns in configuration order, then the
// default.
func (r *Resolver) Resolve(headers http.Header) Result {
	if v := headerValue(headers, r.customHeader); v != "" {
		return Result{UserID: v, Matched: MatchCustomHeader, CustomHeaderPresent: true}
	}
	for i := range r.patterns {
		p := &r.patterns[i]
		v := headerValue(headers, p.Header)
		if v == "" {
			continue
		}
		if p.re.MatchString(v) {
			return Result{UserID: p.UserID, Matched: MatchPattern, Pattern: p}
		}
	}
	return Result{UserID: r.defaultUserID, Matched: MatchDefault}
}

// headerValue joins repeated header values with ", " before matching, the
// canonical comma join for repeated fields.
func headerValue(headers http.Header, name string) string {
	vs := headers.Values(name)
	switch len(vs) {
	case 0:
		return ""
	case 1:
		return vs[0]
	default:
		return strings.Join(vs, ", ")
	}
}
