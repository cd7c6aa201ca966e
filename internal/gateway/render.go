package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"greekroom/internal/chat"
	"greekroom/internal/session"
)

// TruncatedNote is shown after a reply cut short by the turn bound.
const TruncatedNote = "⚠️ I stopped after the maximum number of tool rounds; the answer may be incomplete."

// RenderError turns a failed turn into a message for the end user. Each
// failure class gets its own wording so it is never mistaken for an answer.
func RenderError(err error) string {
	var (
		authErr       *chat.AuthenticationError
		discoveryErr  *chat.DiscoveryError
		completionErr *chat.CompletionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr) || errors.Is(err, chat.ErrUnauthorized):
		return "⚠️ The analysis service rejected your credentials. Please provide a valid access token and try again."
	case errors.As(err, &discoveryErr):
		return "⚠️ The analysis tools are unavailable right now: " + discoveryErr.Error()
	case errors.As(err, &completionErr):
		return "⚠️ The language model did not respond: " + completionErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠️ The request took too long. Please try again."
	case errors.Is(err, chat.ErrEmptyInput):
		return "⚠️ Please send a question or a command. Type 'help' for assistance."
	case errors.Is(err, session.ErrNoIdentity):
		return "⚠️ This request has no sender; it cannot be tied to a conversation."
	default:
		return fmt.Sprintf("❌ Sorry, I encountered an error: %v\n\nPlease try again or type 'help' for assistance.", err)
	}
}

// ToolSummary lists the tool calls of a turn, one line each.
func ToolSummary(results []chat.ToolResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(&b, "❌ %s: %v\n", r.Name, r.Err)
			continue
		}
		fmt.Fprintf(&b, "🔧 %s (%d bytes)\n", r.Name, len(r.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}
