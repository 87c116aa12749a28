// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/memgw/memgw/internal/apischema/openai"
)

// Machine-readable codes for gateway-generated errors. Upstream error bodies
// pass through untouched and never carry these.
const (
	codeContentLengthMismatch = "content_length_mismatch"
	codeInvalidBody           = "invalid_body"
	codeModelNotFound         = "model_not_found"
	codeUpstreamUnreachable   = "upstream_unreachable"
	codeUpstreamTimeout       = "upstream_timeout"
	codeInternalError         = "internal_error"
)

// writeError emits a gateway-generated error in the OpenAI envelope.
func writeError(w http.ResponseWriter, status int, typ openai.ErrorType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openai.Error{Error: openai.ErrorBody{
		Type:    typ,
		Message: message,
		Code:    code,
	}})
}
