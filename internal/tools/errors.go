// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when a mutating tool is executed
// without an access credential. The registry enforces this on its own,
// regardless of what the caller checked.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrInvalidArguments wraps schema validation failures.
var ErrInvalidArguments = errors.New("invalid arguments")

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the effective registry. This indicates a capability
// mismatch (filtered by mode or nonexistent), not a transient execution
// failure. Callers answer the model with it rather than retrying.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
