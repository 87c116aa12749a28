// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai carries the subset of the OpenAI Chat Completions API
// schema the gateway needs. The gateway forwards bodies verbatim, so these
// types exist for the few places that must understand the wire shape:
// query extraction, context injection, the local /v1/models endpoint and
// the error envelope.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles. Unknown roles pass through the gateway untouched.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatCompletionMessage is a single message in a chat-completion request.
type ChatCompletionMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is the content union: either a plain string or a list of
// typed parts. Exactly one of Text/Parts is meaningful; Parts being non-nil
// selects the array form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of structured message content. Non-text parts
// (images, audio) round-trip through the raw field untouched.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON accepts both the string and the array form of content.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if trimmed == "" {
		return fmt.Errorf("empty content")
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(data, &c.Text)
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		c.Parts = make([]ContentPart, len(raws))
		for i, r := range raws {
			var p struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(r, &p); err != nil {
				return err
			}
			c.Parts[i] = ContentPart{Type: p.Type, Text: p.Text, raw: r}
		}
		return nil
	case 'n': // null
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// MarshalJSON emits whichever form was parsed or set. Parts that carried
// unknown fields are re-emitted from their raw bytes.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts == nil {
		return json.Marshal(c.Text)
	}
	raws := make([]json.RawMessage, len(c.Parts))
	for i, p := range c.Parts {
		if p.raw != nil {
			raws[i] = p.raw
			continue
		}
		b, err := json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{p.Type, p.Text})
		if err != nil {
			return nil, err
		}
		raws[i] = b
	}
	return json.Marshal(raws)
}

// TextContent flattens the content to plain text: the string itself, or the
// text parts joined with a space.
func (c MessageContent) TextContent() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// ChatCompletionRequest is the subset of the request body the gateway reads.
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`
}

// ChatCompletionResponse is the non-streaming response object.
type ChatCompletionResponse struct {
	ID      string                         `json:"id"`
	Object  string                         `json:"object"`
	Created int64                          `json:"created"`
	Model   string                         `json:"model"`
	Choices []ChatCompletionResponseChoice `json:"choices"`
	Usage   *Usage                         `json:"usage,omitempty"`
}

// ChatCompletionResponseChoice is one choice of a non-streaming response.
type ChatCompletionResponseChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionChunk is one event of a streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *Usage                      `json:"usage,omitempty"`
}

// ChatCompletionChunkChoice is one choice of a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int             `json:"index"`
	Delta        json.RawMessage `json:"delta"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response object.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorType classifies locally-generated errors in the OpenAI envelope.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypePermission     ErrorType = "permission_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"
	ErrorTypeUpstream       ErrorType = "upstream_error"
	ErrorTypeTimeout        ErrorType = "timeout_error"
	ErrorTypeInternal       ErrorType = "internal_error"
)

// Error is the OpenAI-compatible error envelope. Every error the gateway
// generates itself uses this shape; upstream-generated errors pass through
// verbatim since the upstream already speaks it.
type Error struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
}
