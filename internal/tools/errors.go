package tools

import "fmt"

// ValidationError means the tool rejected its input. The request was
// understood and refused; retrying the same input cannot help.
type ValidationError struct {
	Tool    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tool %s rejected input: %s", e.Tool, e.Message)
}

func (e ValidationError) Kind() string { return "tool_validation" }

// InfraError is a transport-class failure: timeout, connection failure, or
// a tool-side fault with no meaningful response. Eligible for one retry.
type InfraError struct {
	Tool    string
	Message string
	Err     error
}

func (e InfraError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s unavailable: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("tool %s unavailable: %v", e.Tool, e.Err)
}

func (e InfraError) Unwrap() error { return e.Err }

func (e InfraError) Kind() string { return "tool_infra" }
