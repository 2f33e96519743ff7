package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// wire types for the stage invocation contract
type invokeRequest struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

type invokeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPInvoker calls one compute tool endpoint over HTTP. It is constructed
// once per tool at startup and shared across requests; it holds no
// per-request state.
type HTTPInvoker struct {
	URL    string
	Client *http.Client
}

func (h HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(invokeRequest{ToolName: inv.ToolName, Input: inv.Input})
	if err != nil {
		return Result{}, fmt.Errorf("marshal tool input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Result{}, InfraError{Tool: inv.ToolName, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return Result{}, InfraError{Tool: inv.ToolName, Err: err}
	}
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return Result{}, ValidationError{Tool: inv.ToolName, Message: bodyMessage(data, res.StatusCode)}
	}
	if res.StatusCode >= 500 {
		return Result{}, InfraError{Tool: inv.ToolName, Message: bodyMessage(data, res.StatusCode)}
	}

	var parsed invokeResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, InfraError{Tool: inv.ToolName, Message: "malformed tool response", Err: err}
	}
	if !parsed.Success {
		kind, msg := "", "tool reported failure"
		if parsed.Error != nil {
			kind, msg = parsed.Error.Kind, parsed.Error.Message
		}
		if kind == "validation" {
			return Result{}, ValidationError{Tool: inv.ToolName, Message: msg}
		}
		return Result{}, InfraError{Tool: inv.ToolName, Message: msg}
	}
	if len(parsed.Data) == 0 {
		return Result{}, InfraError{Tool: inv.ToolName, Message: "tool returned no data"}
	}
	return Result{Data: parsed.Data}, nil
}

func bodyMessage(data []byte, status int) string {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Sprintf("status %d", status)
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Sprintf("status %d: %s", status, msg)
}
