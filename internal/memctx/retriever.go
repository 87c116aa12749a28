// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package memctx implements the context-retrieval preflight: fetching
// relevant prior context for a user from the memory backend and injecting
// it into the outgoing message list.
//
// Retrieval is an enhancement, never a dependency. Every failure path logs
// and returns the original messages; a request must not fail because the
// memory backend is down.
package memctx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/memgw/memgw/internal/apischema/openai"
	"github.com/memgw/memgw/internal/routeapi"
	"github.com/memgw/memgw/internal/sessionpool"
)

// entrySeparator joins retrieved context entries.
const entrySeparator = "\n"

// Retriever fetches context from the memory backend. It holds its own
// persistent session: the memory backend may sit behind the same challenge
// layer as the LLM upstreams.
type Retriever struct {
	cfg     routeapi.MemoryConfig
	session *sessionpool.Session
	logger  *slog.Logger
}

// NewRetriever creates a retriever bound to the memory backend configured
// in cfg. cfg must already be validated.
func NewRetriever(cfg routeapi.MemoryConfig, pool *sessionpool.Pool, logger *slog.Logger) (*Retriever, error) {
	session, err := pool.Get(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("cannot create memory backend session: %w", err)
	}
	return &Retriever{cfg: cfg, session: session, logger: logger}, nil
}

// eligible reports whether retrieval applies to the given logical model.
func (r *Retriever) eligible(model string) bool {
	if len(r.cfg.AllowModels) > 0 {
		return slices.Contains(r.cfg.AllowModels, model)
	}
	if len(r.cfg.DenyModels) > 0 {
		return !slices.Contains(r.cfg.DenyModels, model)
	}
	return true
}

// MaybeInject returns the message list with retrieved context injected, and
// whether anything changed. Messages are raw JSON so fields the gateway does
// not model survive verbatim. The input slice is returned untouched when the
// model is not eligible, no query can be extracted, the backend call fails
// or returns nothing.
func (r *Retriever) MaybeInject(ctx context.Context, msgs []json.RawMessage, userID, model string) ([]json.RawMessage, bool) {
	if !r.eligible(model) {
		return msgs, false
	}
	query := extractQuery(msgs, r.cfg.QueryStrategy)
	if query == "" {
		return msgs, false
	}

	entries, err := r.search(ctx, query, userID)
	if err != nil {
		r.logger.Warn("context retrieval failed, continuing without injection",
			"user", userID, "model", model, "error", err)
		return msgs, false
	}
	injected := joinWithinBudget(entries, r.cfg.MaxChars)
	if injected == "" {
		return msgs, false
	}

	out, err := inject(msgs, injected, r.cfg.InjectStrategy)
	if err != nil {
		r.logger.Warn("context injection failed, continuing without injection",
			"user", userID, "model", model, "error", err)
		return msgs, false
	}
	return out, true
}

type searchRequest struct {
	Query string `json:"q"`
	User  string `json:"user"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Text string `json:"text"`
}

// search calls the memory backend, bounded by the configured timeout.
func (r *Retriever) search(ctx context.Context, query, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(searchRequest{Query: query, User: userID, Limit: r.cfg.MaxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(r.cfg.BaseURL, "/")+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.session.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory backend returned status %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("cannot decode memory backend response: %w", err)
	}
	if len(sr.Results) > r.cfg.MaxResults {
		sr.Results = sr.Results[:r.cfg.MaxResults]
	}
	entries := make([]string, 0, len(sr.Results))
	for _, res := range sr.Results {
		if res.Text != "" {
			entries = append(entries, res.Text)
		}
	}
	return entries, nil
}

// joinWithinBudget concatenates entries in order, stopping before the entry
// that would push the total past maxChars.
func joinWithinBudget(entries []string, maxChars int) string {
	var b strings.Builder
	for _, e := range entries {
		need := len(e)
		if b.Len() > 0 {
			need += len(entrySeparator)
		}
		if b.Len()+need > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString(entrySeparator)
		}
		b.WriteString(e)
	}
	return b.String()
}

// extractQuery derives the retrieval query from the message list per the
// configured strategy. Returns "" when no suitable message exists, which
// skips retrieval entirely.
func extractQuery(msgs []json.RawMessage, strategy routeapi.QueryStrategy) string {
	switch strategy {
	case routeapi.QueryLastUser:
		for i := len(msgs) - 1; i >= 0; i-- {
			if messageRole(msgs[i]) == openai.RoleUser {
				return messageText(msgs[i])
			}
		}
	case routeapi.QueryFirstUser:
		for _, m := range msgs {
			if messageRole(m) == openai.RoleUser {
				return messageText(m)
			}
		}
	case routeapi.QueryAllUser:
		var parts []string
		for _, m := range msgs {
			if messageRole(m) == openai.RoleUser {
				if t := messageText(m); t != "" {
					parts = append(parts, t)
				}
			}
		}
		return strings.Join(parts, " | ")
	case routeapi.QueryLastAssistant:
		for i := len(msgs) - 1; i >= 0; i-- {
			if messageRole(msgs[i]) == openai.RoleAssistant {
				return messageText(msgs[i])
			}
		}
	}
	return ""
}

// inject places the context into the message list. Only the targeted
// message (or the new system message) is touched; order and all other
// messages are preserved.
func inject(msgs []json.RawMessage, contextText string, strategy routeapi.InjectStrategy) ([]json.RawMessage, error) {
	switch strategy {
	case routeapi.InjectSystem:
		sys, err := json.Marshal(openai.ChatCompletionMessage{
			Role:    openai.RoleSystem,
			Content: openai.MessageContent{Text: contextText},
		})
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, 0, len(msgs)+1)
		out = append(out, sys)
		return append(out, msgs...), nil

	case routeapi.InjectPrefixFirstUser:
		for i, m := range msgs {
			if messageRole(m) == openai.RoleUser {
				rewritten, err := rewriteContent(m, contextText, true)
				if err != nil {
					return nil, err
				}
				out := slices.Clone(msgs)
				out[i] = rewritten
				return out, nil
			}
		}
		return msgs, nil

	case routeapi.InjectSuffixLastUser:
		for i := len(msgs) - 1; i >= 0; i-- {
			if messageRole(msgs[i]) == openai.RoleUser {
				rewritten, err := rewriteContent(msgs[i], contextText, false)
				if err != nil {
					return nil, err
				}
				out := slices.Clone(msgs)
				out[i] = rewritten
				return out, nil
			}
		}
		return msgs, nil
	}
	return msgs, nil
}

// rewriteContent prefixes or suffixes the context onto a message's content,
// handling both the string and the part-array form.
func rewriteContent(msg json.RawMessage, contextText string, prefix bool) (json.RawMessage, error) {
	content := gjson.GetBytes(msg, "content")
	switch {
	case content.Type == gjson.String:
		var newText string
		if prefix {
			newText = contextText + "\n\n" + content.String()
		} else {
			newText = content.String() + "\n\n" + contextText
		}
		return sjson.SetBytes(msg, "content", newText)

	case content.IsArray():
		var partText string
		if prefix {
			partText = contextText + "\n\n"
		} else {
			partText = "\n\n" + contextText
		}
		part, err := json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{"text", partText})
		if err != nil {
			return nil, err
		}
		if !prefix {
			return sjson.SetRawBytes(msg, "content.-1", part)
		}
		inner := strings.TrimSpace(content.Raw)
		inner = strings.TrimSuffix(strings.TrimPrefix(inner, "["), "]")
		inner = strings.TrimSpace(inner)
		var newArr string
		if inner == "" {
			newArr = "[" + string(part) + "]"
		} else {
			newArr = "[" + string(part) + "," + inner + "]"
		}
		return sjson.SetRawBytes(msg, "content", []byte(newArr))

	default:
		// Missing or null content: the context becomes the content.
		return sjson.SetBytes(msg, "content", contextText)
	}
}

func messageRole(msg json.RawMessage) string {
	return gjson.GetBytes(msg, "role").String()
}

// messageText flattens a message's content to plain text, joining the text
// parts of structured content with a space.
func messageText(msg json.RawMessage) string {
	content := gjson.GetBytes(msg, "content")
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var texts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			if t := part.Get("text").String(); t != "" {
				texts = append(texts, t)
			}
		}
		return true
	})
	return strings.Join(texts, " ")
}
