package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Invocation describes one outbound compute tool call.
type Invocation struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Timeout  time.Duration  `json:"-"`
}

// Result is the structured output of a successful tool call.
type Result struct {
	Data json.RawMessage `json:"data"`
}

// Invoker performs a single tool call attempt. Implementations must be
// stateless with respect to the orchestrator: a failed call leaves nothing
// behind to clean up.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}
