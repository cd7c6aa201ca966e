package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is matched by every AuthenticationError.
	ErrUnauthorized = errors.New("tool service rejected credentials")
	// ErrToolBlocked marks a tool call refused by a middleware before dispatch.
	ErrToolBlocked = errors.New("tool call blocked")
	ErrEmptyInput  = errors.New("empty input")
	// ErrOrphanToolResult is returned when a tool result does not answer a call
	// of the immediately preceding assistant message.
	ErrOrphanToolResult = errors.New("tool result does not match a pending tool call")
)

// DiscoveryError means the tool catalog could not be fetched or parsed. No
// partial catalog is ever used after one.
type DiscoveryError struct {
	Cause error
}

func (e *DiscoveryError) Error() string {
	if e == nil || e.Cause == nil {
		return "tool discovery failed"
	}
	return "tool discovery failed: " + e.Cause.Error()
}

func (e *DiscoveryError) Unwrap() error { return e.Cause }

// ToolNotFoundError is a local validation failure: the model asked for a tool
// that is not in the current catalog.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found on tool service", e.Name)
}

// ValidationError means the arguments did not satisfy the tool's schema.
type ValidationError struct {
	Tool  string
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ToolExecutionError wraps a transport or remote-side failure of a tool call.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("failed to execute tool %s: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// CompletionError is a terminal failure of the LLM backend for this turn.
type CompletionError struct {
	Cause error
}

func (e *CompletionError) Error() string {
	if e == nil || e.Cause == nil {
		return "completion failed"
	}
	return "completion failed: " + e.Cause.Error()
}

func (e *CompletionError) Unwrap() error { return e.Cause }

// AuthenticationError reports a missing, expired or rejected bearer token.
// Callers should ask for a new token instead of retrying.
type AuthenticationError struct {
	Cause error
}

func (e *AuthenticationError) Error() string {
	if e == nil || e.Cause == nil {
		return ErrUnauthorized.Error()
	}
	return ErrUnauthorized.Error() + ": " + e.Cause.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthorized }
