// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"net/http"
	"net/textproto"
	"strings"
)

// Hop-by-hop headers per RFC 9110 section 7.6.1. These describe the
// connection between the client and the gateway and must not reach the
// upstream, nor travel back.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the hop-by-hop headers in place, including any
// additional fields named by the Connection header itself.
func stripHopByHop(h http.Header) {
	for _, field := range strings.Split(h.Get("Connection"), ",") {
		if field = textproto.TrimString(field); field != "" {
			h.Del(field)
		}
	}
	for _, field := range hopByHopHeaders {
		h.Del(field)
	}
}

// forwardHeaders builds the header set for the upstream request from the
// inbound headers: everything end-to-end passes through, hop-by-hop fields
// and the recomputed framing headers do not.
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	stripHopByHop(out)
	// The transport recomputes framing for the rebuilt body.
	out.Del("Content-Length")
	out.Del("Host")
	return out
}

// copyResponseHeaders relays the upstream response headers to the client,
// dropping hop-by-hop fields.
func copyResponseHeaders(dst, src http.Header) {
	cloned := src.Clone()
	stripHopByHop(cloned)
	for k, vs := range cloned {
		dst[k] = vs
	}
}
