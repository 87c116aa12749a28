// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/memgw/memgw/internal/memroute"
	"github.com/memgw/memgw/internal/version"
)

// routingInfoResponse is the diagnostics document. It answers "who would
// this request be routed as" without forwarding anything. The resolution
// fields come first; the trailing gateway facts (memory_enabled, models,
// version, uptime_seconds) are additive, so clients matching only the
// resolution keys keep working.
type routingInfoResponse struct {
	UserID              string              `json:"user_id"`
	Matched             memroute.MatchKind  `json:"matched"`
	MatchedPattern      *routingInfoPattern `json:"matched_pattern"`
	CustomHeaderPresent bool                `json:"custom_header_present"`
	IsDefault           bool                `json:"is_default"`
	MemoryEnabled       bool                `json:"memory_enabled"`
	Models              []string            `json:"models"`
	Version             string              `json:"version"`
	UptimeSeconds       int64               `json:"uptime_seconds"`
}

type routingInfoPattern struct {
	Header  string `json:"header"`
	Pattern string `json:"pattern"`
	UserID  string `json:"user_id"`
}

// routingInfo resolves the caller's identity exactly as the forwarding path
// would and reports the outcome. Useful for debugging pattern order without
// burning upstream tokens.
func (s *Server) routingInfo(w http.ResponseWriter, r *http.Request) {
	res := s.resolver.Resolve(r.Header)

	doc := routingInfoResponse{
		UserID:              res.UserID,
		Matched:             res.Matched,
		CustomHeaderPresent: res.CustomHeaderPresent,
		IsDefault:           res.Matched == memroute.MatchDefault,
		MemoryEnabled:       s.retriever != nil,
		Models:              s.modelNames,
		Version:             version.Version(),
		UptimeSeconds:       int64(time.Since(s.startTime).Seconds()),
	}
	if res.Pattern != nil {
		doc.MatchedPattern = &routingInfoPattern{
			Header:  res.Pattern.Header,
			Pattern: res.Pattern.Source,
			UserID:  res.Pattern.UserID,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("failed to encode routing info", "error", err)
	}
}
