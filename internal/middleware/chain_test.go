package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type testMW struct {
	id       string
	priority int
	cancel   bool
	seen     *[]string
}

func (m testMW) ID() string    { return m.id }
func (m testMW) Priority() int { return m.priority }
func (m testMW) OnEvent(_ context.Context, _ *Event) (Decision, error) {
	*m.seen = append(*m.seen, m.id)
	return Decision{Cancel: m.cancel}, nil
}

type conditionalTestMW struct {
	testMW
	enabled bool
}

func (m conditionalTestMW) ShouldLoad(_ context.Context, _ *Event) bool { return m.enabled }

type funcMW struct {
	id string
	fn func(e *Event) (Decision, error)
}

func (m funcMW) ID() string    { return m.id }
func (m funcMW) Priority() int { return 1 }
func (m funcMW) OnEvent(_ context.Context, e *Event) (Decision, error) {
	return m.fn(e)
}

func TestChainPriorityAndCancel(t *testing.T) {
	seen := []string{}
	c := NewChain(
		testMW{id: "low", priority: 1, seen: &seen},
		testMW{id: "high", priority: 10, cancel: true, seen: &seen},
		testMW{id: "mid", priority: 5, seen: &seen},
	)

	_, err := c.Dispatch(context.Background(), &Event{Name: EventBeforeUserMessage})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0] != "high" {
		t.Fatalf("expected only high to run (cancel), got %v", seen)
	}
}

func TestChainConditionalMiddlewareSkip(t *testing.T) {
	seen := []string{}
	c := NewChain(
		conditionalTestMW{testMW: testMW{id: "off", priority: 10, seen: &seen}, enabled: false},
		conditionalTestMW{testMW: testMW{id: "on", priority: 5, seen: &seen}, enabled: true},
	)

	results, err := c.Dispatch(context.Background(), &Event{Name: EventBeforeCompletion})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(seen, ","); got != "on" {
		t.Fatalf("expected only enabled middleware to run, got %s", got)
	}
	if len(results) != 2 {
		t.Fatalf("expected results for both middlewares, got %d", len(results))
	}
	if results[0].MiddlewareID != "off" || results[0].Decision.Reason == "" {
		t.Fatalf("expected first result to be skipped middleware with a reason, got %+v", results[0])
	}
}

func TestChainStableOrderOnEqualPriority(t *testing.T) {
	seen := []string{}
	c := NewChain(
		testMW{id: "a", priority: 5, seen: &seen},
		testMW{id: "b", priority: 5, seen: &seen},
		testMW{id: "c", priority: 5, seen: &seen},
	)

	if _, err := c.Dispatch(context.Background(), &Event{Name: EventBeforeToolCall}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(seen, ","); got != "a,b,c" {
		t.Fatalf("expected stable registration order, got %s", got)
	}
}

func TestNilChainDispatchesNothing(t *testing.T) {
	var c *Chain
	results, err := c.Dispatch(context.Background(), &Event{Name: EventBeforeUserReply})
	if err != nil || results != nil {
		t.Fatalf("expected no-op dispatch, got %v %v", results, err)
	}
}

func TestChainWrapsMiddlewareError(t *testing.T) {
	boom := errors.New("boom")
	c := NewChain(funcMW{id: "broken", fn: func(*Event) (Decision, error) { return Decision{}, boom }})
	_, err := c.Dispatch(context.Background(), &Event{Name: EventBeforeUserMessage})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected wrapped middleware error, got %v", err)
	}
}

func TestOverrideParamsOnlyAppliesBeforeCompletion(t *testing.T) {
	override := &CompletionParams{MaxTokens: 10}
	c := NewChain(funcMW{id: "cap", fn: func(*Event) (Decision, error) {
		return Decision{OverrideParams: override}, nil
	}})

	e := &Event{Name: EventBeforeCompletion, Params: &CompletionParams{MaxTokens: 500}}
	if _, err := c.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Params.MaxTokens != 10 {
		t.Fatalf("expected override to apply, got %d", e.Params.MaxTokens)
	}

	other := &Event{Name: EventBeforeToolCall}
	if _, err := c.Dispatch(context.Background(), other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Params != nil {
		t.Fatalf("override leaked into %s", other.Name)
	}
}

func TestApplyTextAndReset(t *testing.T) {
	first := "help text"
	results := []DecisionResult{
		{MiddlewareID: "a", Decision: Decision{ReplaceText: &first}},
		{MiddlewareID: "b", Decision: Decision{Cancel: true, ResetSession: true, Reason: "clear"}},
	}
	text, canceled := ApplyText("original", results)
	if text != "help text" {
		t.Fatalf("expected replaced text, got %q", text)
	}
	if canceled == nil || canceled.Reason != "clear" {
		t.Fatalf("expected cancel decision, got %+v", canceled)
	}
	if !WantsReset(results) {
		t.Fatalf("expected reset request")
	}
	if Canceled(results[:1]) != nil {
		t.Fatalf("expected no cancel in first result")
	}
}

func TestDebugWriterEmitsJSONL(t *testing.T) {
	var buf bytes.Buffer
	seen := []string{}
	c := NewChain(testMW{id: "one", priority: 1, seen: &seen})
	c.SetDebugWriter(&buf)

	e := &Event{Name: EventBeforeUserMessage, SessionID: "s1", UserText: "hello there"}
	if _, err := c.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one debug line, got %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("debug line is not JSON: %v", err)
	}
	if entry["middleware"] != "one" || entry["session"] != "s1" || entry["event"] != string(EventBeforeUserMessage) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewChainFromRegistryFiltersDisabled(t *testing.T) {
	registryMu.Lock()
	saved := registry
	registry = nil
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})

	seen := []string{}
	Register(testMW{id: "keep", priority: 1, seen: &seen})
	Register(testMW{id: "drop", priority: 2, seen: &seen})

	c := NewChainFromRegistry(nil, []string{" drop "})
	if c == nil {
		t.Fatalf("expected chain")
	}
	ids := []string{}
	for _, mw := range c.List() {
		ids = append(ids, mw.ID())
	}
	if strings.Join(ids, ",") != "keep" {
		t.Fatalf("expected only keep, got %v", ids)
	}

	if NewChainFromRegistry(nil, []string{"keep", "drop"}) != nil {
		t.Fatalf("expected nil chain when everything is disabled")
	}
}
