package tools

import "fmt"

// NotFoundError reports an unknown or inactive tool name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found or inactive", e.Name)
}

// InvalidInputError reports input rejected by the tool's schema or
// validator.
type InvalidInputError struct {
	Name   string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("tool %q: invalid input: %s", e.Name, e.Reason)
}

// ExecutionError reports a handler failure or a JSON-RPC error member.
type ExecutionError struct {
	Name string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q execution failed: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
