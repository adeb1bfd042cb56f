// Package model defines the provider-agnostic contract for the downstream
// model endpoint. The invocation controller is the only caller of Client;
// adapters under features/model translate Request and Response to a
// provider SDK (Bedrock Converse, Anthropic Messages).
package model

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrRateLimited reports that the endpoint rejected a call because of its
// own rate limit (HTTP 429, ThrottlingException and equivalents). Adapters
// return errors matching it with errors.Is.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client invokes the downstream model endpoint. One call is one
	// request/response round trip; implementations must not retry on
	// throttling, the caller owns retry and backoff policy.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Role identifies the author of a message.
	Role string

	// Request is a normalized model invocation.
	Request struct {
		// Model is the provider model identifier. Adapters fall back to their
		// configured default when empty.
		Model string
		// System is the system prompt, if any.
		System string
		// Messages is the ordered conversation.
		Messages []*Message
		// Tools lists the tools the model may request.
		Tools []*ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the adapter default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero or negative uses the adapter
		// default.
		Temperature float32
	}

	// Message is a single conversation turn made of ordered parts.
	Message struct {
		Role  Role
		Parts []Part
	}

	// Part is one content block of a message: TextPart, ToolUsePart or
	// ToolResultPart.
	Part interface {
		isPart()
	}

	// TextPart is plain text.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool invocation requested by the assistant.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries the result of a tool invocation back to the model.
	ToolResultPart struct {
		ToolUseID string
		Content   json.RawMessage
		IsError   bool
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON Schema object describing the tool input.
		InputSchema any
	}

	// Response is the normalized endpoint output.
	Response struct {
		// Content holds the assistant messages, usually a single one.
		Content []Message
		// ToolCalls lists the tools the model requested, in order.
		ToolCalls []ToolCall
		// Usage reports token consumption when the provider returns it.
		Usage TokenUsage
		// StopReason is the provider stop reason, e.g. "end_turn",
		// "tool_use" or "max_tokens".
		StopReason string
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// TokenUsage reports token counts for one call.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

const (
	// RoleUser marks caller authored messages, including tool results.
	RoleUser Role = "user"
	// RoleAssistant marks model authored messages.
	RoleAssistant Role = "assistant"
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Text concatenates the text parts of all content messages.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range r.Content {
		for _, p := range m.Parts {
			if t, ok := p.(TextPart); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

// UserText returns a user message holding a single text part.
func UserText(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}
