package chat

import (
	"errors"
	"testing"
)

func TestNewSessionStartsWithSystemPrompt(t *testing.T) {
	s := NewSession("u1", "be helpful")
	h := s.Snapshot()
	if len(h) != 1 || h[0].Role != RoleSystem || h[0].Content != "be helpful" {
		t.Fatalf("unexpected initial history: %+v", h)
	}
}

func TestSessionResetKeepsOnlySystemPrompt(t *testing.T) {
	s := NewSession("u1", "sys")
	s.AppendUser("hello")
	if err := s.AppendAssistant(Message{Content: "hi"}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	s.SetAttachment("https://example.com/a.pdf")

	s.Reset()

	h := s.Snapshot()
	if len(h) != 1 || h[0].Role != RoleSystem || h[0].Content != "sys" {
		t.Fatalf("expected only system prompt after reset, got %+v", h)
	}
	if s.Attachment() != "" {
		t.Fatalf("expected attachment to be cleared, got %q", s.Attachment())
	}
}

func TestAppendToolResultRequiresPendingCall(t *testing.T) {
	s := NewSession("u1", "sys")
	s.AppendUser("what's the weather")

	if err := s.AppendToolResult(ToolResult{ToolCallID: "c1", Content: "x"}); !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("expected orphan error without assistant call, got %v", err)
	}

	err := s.AppendAssistant(Message{ToolCalls: []ToolCall{
		{ID: "c1", Name: "weather"},
		{ID: "c2", Name: "time"},
	}})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := s.AppendToolResult(ToolResult{ToolCallID: "c1", Content: "sunny"}); err != nil {
		t.Fatalf("append c1: %v", err)
	}
	if err := s.AppendToolResult(ToolResult{ToolCallID: "c1", Content: "again"}); !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("expected duplicate result to be rejected, got %v", err)
	}
	if err := s.AppendToolResult(ToolResult{ToolCallID: "zz"}); !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("expected unknown id to be rejected, got %v", err)
	}
	if err := s.AppendToolResult(ToolResult{ToolCallID: "c2", Content: "noon"}); err != nil {
		t.Fatalf("append c2: %v", err)
	}

	h := s.Snapshot()
	last := h[len(h)-1]
	if last.Role != RoleTool || last.ToolCallID != "c2" || last.Name != "time" {
		t.Fatalf("expected tool message for c2 named from the call, got %+v", last)
	}
}

func TestAppendAssistantRejectsOtherRoles(t *testing.T) {
	s := NewSession("u1", "sys")
	if err := s.AppendAssistant(Message{Role: RoleUser, Content: "nope"}); err == nil {
		t.Fatalf("expected error for non-assistant role")
	}
}

func TestFailedToolResultIsStoredAsErrorText(t *testing.T) {
	s := NewSession("u1", "sys")
	s.AppendUser("q")
	_ = s.AppendAssistant(Message{ToolCalls: []ToolCall{{ID: "c1", Name: "search"}}})
	if err := s.AppendToolResult(ToolResult{ToolCallID: "c1", Err: errors.New("boom")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	h := s.Snapshot()
	if got := h[len(h)-1].Content; got != `{"error":"boom"}` {
		t.Fatalf("unexpected stored error text: %s", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewSession("u1", "sys")
	s.AppendUser("q")
	_ = s.AppendAssistant(Message{ToolCalls: []ToolCall{{
		ID:        "c1",
		Name:      "search",
		Arguments: map[string]any{"q": "go", "tags": []any{"a"}},
	}}})

	snap := s.Snapshot()
	snap[0].Content = "mutated"
	snap[2].ToolCalls[0].Arguments["q"] = "rust"
	snap[2].ToolCalls[0].Arguments["tags"].([]any)[0] = "b"

	again := s.Snapshot()
	if again[0].Content != "sys" {
		t.Fatalf("system prompt was mutated through snapshot")
	}
	args := again[2].ToolCalls[0].Arguments
	if args["q"] != "go" || args["tags"].([]any)[0] != "a" {
		t.Fatalf("arguments were mutated through snapshot: %v", args)
	}
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments("  ")
	if err != nil || len(args) != 0 {
		t.Fatalf("expected empty object for blank input, got %v %v", args, err)
	}
	if _, err := ParseArguments(`["not","an","object"]`); err == nil {
		t.Fatalf("expected error for array input")
	}
	args, err = ParseArguments(`{"city":"Paris"}`)
	if err != nil || args["city"] != "Paris" {
		t.Fatalf("unexpected parse result %v %v", args, err)
	}

	tc := ToolCall{RawArguments: `{"a":1}`, Arguments: map[string]any{"b": 2}}
	if tc.EncodeArguments() != `{"a":1}` {
		t.Fatalf("expected raw arguments to win")
	}
	if (ToolCall{}).EncodeArguments() != "{}" {
		t.Fatalf("expected empty object for nil arguments")
	}
}
