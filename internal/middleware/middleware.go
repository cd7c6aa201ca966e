package middleware

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

type EventName string

const (
	EventBeforeUserMessage EventName = "before_user_message"
	EventBeforeCompletion  EventName = "before_completion"
	EventBeforeToolCall    EventName = "before_tool_call"
	EventBeforeUserReply   EventName = "before_user_reply"
)

// CompletionParams is the request shape handed to the completion backend.
type CompletionParams struct {
	Model string
	// Temperature is nil when the provider default applies; a pointer so an
	// explicit 0 still reaches the backend.
	Temperature *float64
	MaxTokens   int

	// Tool / function calling schema (LangChainGo).
	Tools      []llms.Tool // llms.WithTools(...)
	ToolChoice any         // "none" | "auto" | llms.ToolChoice
}

// Clone returns a copy whose Tools slice can be mutated independently.
func (p *CompletionParams) Clone() *CompletionParams {
	if p == nil {
		return &CompletionParams{}
	}
	out := *p
	if p.Temperature != nil {
		t := *p.Temperature
		out.Temperature = &t
	}
	if p.Tools != nil {
		out.Tools = make([]llms.Tool, len(p.Tools))
		copy(out.Tools, p.Tools)
	}
	return &out
}

type Decision struct {
	Cancel      bool   // stop the pipeline for this event
	Reason      string // for logs
	ReplaceText *string

	// ResetSession asks the core to clear the conversation (before_user_message).
	ResetSession bool

	// Optional: change request + continue (before_completion)
	OverrideParams *CompletionParams
}

type Event struct {
	Name      EventName
	SessionID string
	Turn      int

	UserText  string // before_user_message
	ReplyText string // before_user_reply

	ToolName string         // before_tool_call
	ToolArgs map[string]any // before_tool_call, read-only

	Params  *CompletionParams // before_completion, mutable
	Context map[string]any    // channel, token budget, etc.
}

type Middleware interface {
	ID() string
	Priority() int
	OnEvent(ctx context.Context, e *Event) (Decision, error)
}

// ConditionalMiddleware is an optional extension that allows a middleware to be
// dynamically enabled/disabled per event.
//
// If a middleware implements this interface and returns false, it will be
// skipped during dispatch (but still recorded in results with a "skipped"
// reason).
type ConditionalMiddleware interface {
	ShouldLoad(ctx context.Context, e *Event) bool
}
