package toolguard

import (
	"context"
	"testing"

	mw "greekroom/internal/middleware"
)

func TestGuardBlocksListedTools(t *testing.T) {
	t.Setenv(EnvBlockedTools, "delete_project, wipe")

	cases := []struct {
		tool    string
		ctx     map[string]any
		blocked bool
	}{
		{"wipe", nil, true},
		{"delete_project", nil, true},
		{"analyze_script_direction", nil, false},
		{"analyze_punctuation", map[string]any{"blocked_tools": []string{"analyze_punctuation"}}, true},
	}
	for _, tc := range cases {
		e := &mw.Event{Name: mw.EventBeforeToolCall, ToolName: tc.tool, Context: tc.ctx}
		dec, err := Guard{}.OnEvent(context.Background(), e)
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", tc.tool, err)
		}
		if dec.Cancel != tc.blocked {
			t.Fatalf("%s: expected blocked=%v, got %+v", tc.tool, tc.blocked, dec)
		}
	}
}

func TestGuardOnlyLoadsForToolCalls(t *testing.T) {
	if (Guard{}).ShouldLoad(context.Background(), &mw.Event{Name: mw.EventBeforeUserMessage}) {
		t.Fatalf("guard should be skipped outside tool calls")
	}
}
