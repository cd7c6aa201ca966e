// Package tools discovers the remote tool set, projects it into the
// function-calling schema the model understands, and executes tool calls.
package tools

import (
	"context"
	"errors"
	"strings"

	"greekroom/internal/chat"

	"github.com/tmc/langchaingo/llms"
)

// Error types live in chat so the controller can match them without importing
// this package.
type (
	DiscoveryError      = chat.DiscoveryError
	ToolNotFoundError   = chat.ToolNotFoundError
	ValidationError     = chat.ValidationError
	ToolExecutionError  = chat.ToolExecutionError
	AuthenticationError = chat.AuthenticationError
)

// Descriptor is the metadata of one remote tool. Values are never mutated
// after discovery; a refresh replaces the whole set.
type Descriptor struct {
	Name            string
	Description     string
	ParameterSchema map[string]any
}

// Remote is the tool service the catalog and invoker talk to.
type Remote interface {
	ListTools(ctx context.Context, token string) ([]Descriptor, error)
	CallTool(ctx context.Context, token, name string, args map[string]any) (string, error)
}

// IsUnauthorized reports whether err means the tool service rejected the
// bearer token. Some transports only surface the status as text, so the
// message is checked as well.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chat.ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401 unauthorized") ||
		strings.Contains(msg, "status 401") ||
		strings.Contains(msg, chat.ErrUnauthorized.Error())
}

// CompletionSchema projects descriptors into the tools block of a chat
// completion request. It is pure and preserves order.
func CompletionSchema(descs []Descriptor) []llms.Tool {
	out := make([]llms.Tool, 0, len(descs))
	for _, d := range descs {
		params := d.ParameterSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
