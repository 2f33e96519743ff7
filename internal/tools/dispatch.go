package tools

import (
	"context"
	"errors"
	"fmt"
)

// RetryPolicy bounds dispatch attempts. Only infra-class failures are
// retried; a validation rejection is final on the first attempt.
type RetryPolicy struct {
	Attempts int
}

// DefaultRetryPolicy allows the single retry the pipeline contract promises.
var DefaultRetryPolicy = RetryPolicy{Attempts: 2}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Retryable reports whether a failed attempt may be tried again.
func (p RetryPolicy) Retryable(err error) bool {
	var infra InfraError
	return errors.As(err, &infra)
}

// Dispatcher routes an Invocation to the registered Invoker for its tool
// and applies the retry policy. It never touches project state; a failed
// dispatch leaves the project record exactly as it was.
type Dispatcher struct {
	Invokers map[string]Invoker
	Policy   RetryPolicy
}

// Dispatch performs the call. retries reports how many extra attempts were
// made, for the request trace.
func (d Dispatcher) Dispatch(ctx context.Context, inv Invocation) (res Result, retries int, err error) {
	invoker, ok := d.Invokers[inv.ToolName]
	if !ok {
		return Result{}, 0, fmt.Errorf("no invoker registered for tool %s", inv.ToolName)
	}
	max := d.Policy.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if ctx.Err() != nil {
			return Result{}, attempt - 1, InfraError{Tool: inv.ToolName, Err: ctx.Err()}
		}
		res, err = invoker.Invoke(ctx, inv)
		if err == nil {
			return res, attempt - 1, nil
		}
		if attempt == max || !d.Policy.Retryable(err) {
			return Result{}, attempt - 1, err
		}
	}
	return Result{}, max - 1, err
}
