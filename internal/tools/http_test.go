package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"windsite/internal/tools"
)

func invokeAgainst(t *testing.T, handler http.HandlerFunc) (tools.Result, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	inv := tools.HTTPInvoker{URL: srv.URL, Client: srv.Client()}
	return inv.Invoke(context.Background(), tools.Invocation{
		ToolName: "terrain_analysis",
		Input:    map[string]any{"latitude": 45.5},
	})
}

func TestHTTPInvokerSuccess(t *testing.T) {
	res, err := invokeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ToolName string         `json:"tool_name"`
			Input    map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ToolName != "terrain_analysis" || req.Input["latitude"] != 45.5 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Write([]byte(`{"success":true,"data":{"grid":"64x64"}}`))
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(res.Data) != `{"grid":"64x64"}` {
		t.Fatalf("unexpected data: %s", res.Data)
	}
}

func TestHTTPInvokerClassification(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		validation bool
	}{
		{"4xx is validation", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad input", http.StatusBadRequest)
		}, true},
		{"5xx is infra", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, false},
		{"reported validation failure", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":{"kind":"validation","message":"latitude out of range"}}`))
		}, true},
		{"reported infra failure", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":{"kind":"timeout","message":"upstream slow"}}`))
		}, false},
		{"malformed body is infra", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}, false},
		{"empty data is infra", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true}`))
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invokeAgainst(t, tc.handler)
			if err == nil {
				t.Fatalf("expected error")
			}
			var valErr tools.ValidationError
			var infraErr tools.InfraError
			switch {
			case tc.validation && !errors.As(err, &valErr):
				t.Fatalf("expected ValidationError, got %v", err)
			case !tc.validation && !errors.As(err, &infraErr):
				t.Fatalf("expected InfraError, got %v", err)
			}
		})
	}
}

func TestDispatchRetriesOnlyInfraErrors(t *testing.T) {
	calls := 0
	d := tools.Dispatcher{
		Invokers: map[string]tools.Invoker{
			"terrain_analysis": tools.InvokerFunc(func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
				calls++
				if calls == 1 {
					return tools.Result{}, tools.InfraError{Tool: inv.ToolName, Message: "transient"}
				}
				return tools.Result{Data: json.RawMessage(`{}`)}, nil
			}),
		},
		Policy: tools.RetryPolicy{Attempts: 2},
	}
	_, retries, err := d.Dispatch(context.Background(), tools.Invocation{ToolName: "terrain_analysis"})
	if err != nil || retries != 1 {
		t.Fatalf("expected one retry then success: %v %d", err, retries)
	}

	calls = 0
	d.Invokers["terrain_analysis"] = tools.InvokerFunc(func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
		calls++
		return tools.Result{}, tools.ValidationError{Tool: inv.ToolName, Message: "bad input"}
	})
	_, retries, err = d.Dispatch(context.Background(), tools.Invocation{ToolName: "terrain_analysis"})
	var valErr tools.ValidationError
	if !errors.As(err, &valErr) || retries != 0 || calls != 1 {
		t.Fatalf("validation must fail fast: %v retries=%d calls=%d", err, retries, calls)
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	calls := 0
	d := tools.Dispatcher{
		Invokers: map[string]tools.Invoker{
			"terrain_analysis": tools.InvokerFunc(func(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
				calls++
				return tools.Result{}, tools.InfraError{Tool: inv.ToolName, Message: "still down"}
			}),
		},
		Policy: tools.RetryPolicy{Attempts: 2},
	}
	_, retries, err := d.Dispatch(context.Background(), tools.Invocation{ToolName: "terrain_analysis"})
	var infraErr tools.InfraError
	if !errors.As(err, &infraErr) || calls != 2 || retries != 1 {
		t.Fatalf("expected exhausted attempts: %v calls=%d retries=%d", err, calls, retries)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := tools.Dispatcher{Invokers: map[string]tools.Invoker{}}
	if _, _, err := d.Dispatch(context.Background(), tools.Invocation{ToolName: "nope"}); err == nil {
		t.Fatalf("expected error for unregistered tool")
	}
}
