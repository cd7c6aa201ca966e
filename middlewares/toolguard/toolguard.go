package toolguard

import (
	"context"
	"os"
	"strings"

	mw "greekroom/internal/middleware"
)

// EnvBlockedTools names the comma separated list of tools that must never run.
const EnvBlockedTools = "GREEKROOM_BLOCKED_TOOLS"

func init() {
	mw.Register(Guard{})
}

// Guard refuses tool calls by name. The list is read from the environment on
// every call, and a surface may add names through Context["blocked_tools"].
type Guard struct{}

func (Guard) ID() string    { return "toolguard" }
func (Guard) Priority() int { return 100 }

func (Guard) ShouldLoad(_ context.Context, e *mw.Event) bool {
	return e != nil && e.Name == mw.EventBeforeToolCall
}

func (Guard) OnEvent(_ context.Context, e *mw.Event) (mw.Decision, error) {
	if e == nil || e.Name != mw.EventBeforeToolCall {
		return mw.Decision{}, nil
	}
	if _, blocked := blockedSet(e.Context)[e.ToolName]; blocked {
		return mw.Decision{Cancel: true, Reason: "tool " + e.ToolName + " is disabled"}, nil
	}
	return mw.Decision{}, nil
}

func blockedSet(ctx map[string]any) map[string]struct{} {
	set := make(map[string]struct{})
	for _, name := range strings.Split(os.Getenv(EnvBlockedTools), ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	if extra, ok := ctx["blocked_tools"].([]string); ok {
		for _, name := range extra {
			set[name] = struct{}{}
		}
	}
	return set
}
