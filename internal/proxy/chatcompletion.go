// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memgw/memgw/internal/apischema/openai"
	"github.com/memgw/memgw/internal/metrics"
)

// chatCompletions is the forwarding path. The body is rebuilt with gjson and
// sjson surgery rather than a decode/re-encode cycle: fields the gateway
// does not model must reach the upstream byte-identical.
func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cm := metrics.NewChatCompletion(s.meter)
	cm.StartRequest()
	logger := s.logger.With("request_id", uuid.NewString())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, openai.ErrorTypeInvalidRequest,
			codeInvalidBody, "failed to read request body")
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	// ContentLength is -1 for chunked bodies, which have no length to check.
	if r.ContentLength >= 0 && r.ContentLength != int64(len(body)) {
		writeError(w, http.StatusBadRequest, openai.ErrorTypeInvalidRequest,
			codeContentLengthMismatch,
			fmt.Sprintf("request body is %d bytes but Content-Length declares %d", len(body), r.ContentLength))
		cm.RecordRequestCompletion(ctx, false)
		return
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		writeError(w, http.StatusBadRequest, openai.ErrorTypeInvalidRequest,
			codeInvalidBody, "request body must be a JSON object")
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	model := parsed.Get("model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, openai.ErrorTypeInvalidRequest,
			codeInvalidBody, "missing model field")
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	cm.SetModel(model)

	entry, ok := s.models[model]
	if !ok {
		writeError(w, http.StatusNotFound, openai.ErrorTypeNotFound,
			codeModelNotFound, fmt.Sprintf("model %q is not configured on this gateway", model))
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	cm.SetBackend(entry.Name)

	messagesField := parsed.Get("messages")
	if !messagesField.IsArray() {
		writeError(w, http.StatusBadRequest, openai.ErrorTypeInvalidRequest,
			codeInvalidBody, "messages must be an array")
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	stream := parsed.Get("stream").Bool()

	resolution := s.resolver.Resolve(r.Header)
	logger = logger.With("model", model, "user", resolution.UserID, "match", resolution.Matched)

	if s.retriever != nil && !entry.DisableMemory {
		msgs := rawMessages(messagesField)
		if injected, changed := s.retriever.MaybeInject(ctx, msgs, resolution.UserID, model); changed {
			arr, merr := json.Marshal(injected)
			if merr == nil {
				body, merr = sjson.SetRawBytes(body, "messages", arr)
			}
			if merr != nil {
				logger.Warn("failed to rebuild body after injection, forwarding original", "error", merr)
			} else {
				logger.Debug("injected retrieved context", "messages", len(injected))
			}
		}
	}

	if entry.ModelNameOverride != "" {
		if body, err = sjson.SetBytes(body, "model", entry.ModelNameOverride); err != nil {
			writeError(w, http.StatusInternalServerError, openai.ErrorTypeInternal,
				codeInternalError, "failed to rewrite model name")
			cm.RecordRequestCompletion(ctx, false)
			return
		}
	}

	target := entry.BaseURL + strings.TrimPrefix(r.URL.Path, "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, openai.ErrorTypeInternal,
			codeInternalError, "failed to build upstream request")
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	req.Header = forwardHeaders(r.Header)
	if entry.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+entry.APIKey)
	}
	// The resolved identity always wins over whatever the client sent.
	req.Header.Set(s.userIDHeader, resolution.UserID)

	session, err := s.pool.Get(entry.BaseURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, openai.ErrorTypeInternal,
			codeInternalError, "failed to create upstream session")
		cm.RecordRequestCompletion(ctx, false)
		return
	}

	resp, err := session.Do(req)
	if err != nil {
		s.writeUpstreamError(ctx, w, logger, err)
		cm.RecordRequestCompletion(ctx, false)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	success := resp.StatusCode/100 == 2

	if stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.pumpStream(ctx, w, resp.Body, cm)
	} else {
		respBody, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			logger.Warn("upstream response truncated", "error", rerr)
			success = false
		}
		if _, werr := w.Write(respBody); werr != nil {
			logger.Debug("client went away while writing response", "error", werr)
		}
		if success {
			recordUsage(ctx, cm, gjson.GetBytes(respBody, "usage"))
		}
	}

	cm.RecordRequestCompletion(ctx, success)
	logger.Info("proxied chat completion", "status", resp.StatusCode, "stream", stream)
}

// writeUpstreamError translates a transport failure into the error envelope.
// A client that already hung up gets nothing.
func (s *Server) writeUpstreamError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		logger.Warn("upstream timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, openai.ErrorTypeTimeout,
			codeUpstreamTimeout, "upstream did not respond in time")
		return
	}
	logger.Warn("upstream unreachable", "error", err)
	writeError(w, http.StatusBadGateway, openai.ErrorTypeUpstream,
		codeUpstreamUnreachable, "failed to reach upstream")
}

// pumpStream relays a streaming response chunk by chunk, flushing after
// every read so events reach the client as they arrive. Along the way it
// watches the SSE lines for the final usage block.
func (s *Server) pumpStream(ctx context.Context, w http.ResponseWriter, body io.Reader, cm metrics.ChatCompletion) {
	flusher, _ := w.(http.Flusher)
	var tail []byte
	var usage gjson.Result
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			cm.RecordTokenLatency(ctx, 1)

			tail = append(tail, buf[:n]...)
			for {
				idx := bytes.IndexByte(tail, '\n')
				if idx < 0 {
					break
				}
				line := tail[:idx]
				tail = tail[idx+1:]
				if u := usageFromSSELine(line); u.Exists() {
					usage = u
				}
			}
		}
		if err != nil {
			break
		}
	}
	recordUsage(ctx, cm, usage)
}

// usageFromSSELine extracts the usage object from one "data:" line, if any.
// Most chunks carry none; only the last chunk of a stream requested with
// stream_options.include_usage does.
func usageFromSSELine(line []byte) gjson.Result {
	const prefix = "data:"
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte(prefix)) {
		return gjson.Result{}
	}
	payload := bytes.TrimSpace(trimmed[len(prefix):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return gjson.Result{}
	}
	return gjson.GetBytes(payload, "usage")
}

func recordUsage(ctx context.Context, cm metrics.ChatCompletion, usage gjson.Result) {
	if !usage.Exists() || !usage.IsObject() {
		return
	}
	cm.RecordTokenUsage(ctx,
		uint32(usage.Get("prompt_tokens").Uint()),
		uint32(usage.Get("completion_tokens").Uint()),
		uint32(usage.Get("total_tokens").Uint()),
	)
}

// rawMessages converts the parsed messages array into raw JSON slices for
// the retriever. Raw here points into the original body; the retriever only
// reads it.
func rawMessages(arr gjson.Result) []json.RawMessage {
	items := arr.Array()
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item.Raw)
	}
	return out
}
