package chat

import (
	"context"

	"greekroom/internal/middleware"

	"github.com/tmc/langchaingo/llms"
)

// Completer abstracts chat completion providers. Implementations must not
// retry; a failure is returned as-is and wrapped into CompletionError by the
// controller when it is not one already.
type Completer interface {
	Complete(ctx context.Context, history []Message, params *middleware.CompletionParams) (Message, error)
}

// ToolCatalog yields the function-calling schema for the current tool set.
type ToolCatalog interface {
	CompletionSchema(ctx context.Context) ([]llms.Tool, error)
}

// ToolInvoker executes one tool call. It reports every failure through
// ToolResult.Err instead of returning an error.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, token string) ToolResult
}

// HistoryWindow selects the part of the history sent to the model. It must
// keep the system prompt first and never split a tool call from its results.
type HistoryWindow interface {
	Apply(history []Message) []Message
}
