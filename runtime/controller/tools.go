package controller

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// ToolExecutor runs tools requested by the endpoint. The controller does
	// not retry tool failures.
	ToolExecutor interface {
		Execute(ctx context.Context, call ToolCall) (json.RawMessage, error)
	}

	// ToolCall is a tool invocation dispatched by the controller.
	ToolCall struct {
		RunID string
		Stage string
		ID    string
		Name  string
		Args  json.RawMessage
	}

	// ToolFunc implements a single tool.
	ToolFunc func(ctx context.Context, call ToolCall) (json.RawMessage, error)

	// ToolSet is a ToolExecutor dispatching by tool name.
	ToolSet map[string]ToolFunc
)

// Execute runs the tool named by call.
func (s ToolSet) Execute(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	fn, ok := s[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	return fn(ctx, call)
}
