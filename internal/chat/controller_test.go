package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"greekroom/internal/middleware"

	"github.com/tmc/langchaingo/llms"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []Message
	err     error
	calls   int
	seen    [][]Message
	params  []*middleware.CompletionParams
}

func (c *scriptedCompleter) Complete(_ context.Context, history []Message, params *middleware.CompletionParams) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.seen = append(c.seen, history)
	c.params = append(c.params, params)
	if c.err != nil {
		return Message{}, c.err
	}
	if len(c.replies) == 0 {
		return Message{Role: RoleAssistant, Content: "done"}, nil
	}
	// The last scripted reply repeats forever.
	r := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return r, nil
}

type staticCatalog struct {
	tools []llms.Tool
	err   error
}

func (c staticCatalog) CompletionSchema(context.Context) ([]llms.Tool, error) {
	return c.tools, c.err
}

type recordingInvoker struct {
	mu     sync.Mutex
	calls  []string
	tokens []string
	fn     func(name string, args map[string]any) ToolResult
}

func (i *recordingInvoker) Invoke(_ context.Context, name string, args map[string]any, token string) ToolResult {
	i.mu.Lock()
	i.calls = append(i.calls, name)
	i.tokens = append(i.tokens, token)
	i.mu.Unlock()
	if i.fn != nil {
		return i.fn(name, args)
	}
	return ToolResult{Name: name, Content: "ok"}
}

func echoCatalog() staticCatalog {
	return staticCatalog{tools: []llms.Tool{{
		Type:     "function",
		Function: &llms.FunctionDefinition{Name: "echo", Parameters: map[string]any{"type": "object"}},
	}}}
}

func toolCallReply(id, name, args string) Message {
	return Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: id, Name: name, RawArguments: args}}}
}

func newTestController(t *testing.T, comp Completer, cat ToolCatalog, inv ToolInvoker, opts ...ControllerOption) *Controller {
	t.Helper()
	c, err := NewController(comp, cat, inv, opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func roles(h []Message) string {
	parts := make([]string, len(h))
	for i, m := range h {
		parts[i] = string(m.Role)
	}
	return strings.Join(parts, ",")
}

func TestRunSingleToolRoundTrip(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{
		toolCallReply("c1", "echo", `{"text":"hi"}`),
		{Role: RoleAssistant, Content: "echoed hi"},
	}}
	inv := &recordingInvoker{}
	c := newTestController(t, comp, echoCatalog(), inv)
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "use echo", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Turns != 2 || res.Truncated {
		t.Fatalf("expected 2 turns without truncation, got %+v", res)
	}
	if res.Reply != "echoed hi" {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	h := s.Snapshot()
	if got := roles(h); got != "system,user,assistant,tool,assistant" {
		t.Fatalf("unexpected history shape %s", got)
	}
	if h[3].ToolCallID != "c1" || h[3].Content != "ok" {
		t.Fatalf("unexpected tool message %+v", h[3])
	}
	if len(inv.calls) != 1 || inv.calls[0] != "echo" {
		t.Fatalf("expected one echo invocation, got %v", inv.calls)
	}
	if comp.calls != 2 {
		t.Fatalf("expected 2 completions, got %d", comp.calls)
	}
	if p := comp.params[0]; len(p.Tools) != 1 || p.ToolChoice != "auto" {
		t.Fatalf("expected tool schema on completion, got %+v", p)
	}
}

func TestRunPlainReply(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{{Role: RoleAssistant, Content: "hello"}}}
	inv := &recordingInvoker{}
	c := newTestController(t, comp, echoCatalog(), inv)
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "hi", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Turns != 1 || res.Reply != "hello" || res.Truncated {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := roles(s.Snapshot()); got != "system,user,assistant" {
		t.Fatalf("unexpected history shape %s", got)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("expected no tool calls, got %v", inv.calls)
	}
}

func TestRunToolFailureIsFoldedIntoHistory(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{
		toolCallReply("c1", "echo", `{}`),
		{Role: RoleAssistant, Content: "sorry, echo is down"},
	}}
	inv := &recordingInvoker{fn: func(name string, _ map[string]any) ToolResult {
		return ToolResult{Name: name, Err: &ToolExecutionError{Tool: name, Cause: errors.New("connection refused")}}
	}}
	c := newTestController(t, comp, echoCatalog(), inv)
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "use echo", RunOptions{})
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if res.Turns != 2 || comp.calls != 2 {
		t.Fatalf("expected a second completion after the failure, got %+v", res)
	}
	h := s.Snapshot()
	if !strings.Contains(h[3].Content, "connection refused") || !strings.HasPrefix(h[3].Content, `{"error":`) {
		t.Fatalf("expected encoded error in tool message, got %q", h[3].Content)
	}
	if len(res.ToolResults) != 1 || !res.ToolResults[0].Failed() {
		t.Fatalf("expected failed tool result, got %+v", res.ToolResults)
	}
}

func TestRunStopsAtTurnBound(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{
		{Role: RoleAssistant, Content: "checking", ToolCalls: []ToolCall{{ID: "c1", Name: "echo"}}},
	}}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{})
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "loop", RunOptions{MaxTurns: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Turns != 1 || !res.Truncated {
		t.Fatalf("expected truncation after one turn, got %+v", res)
	}
	if res.Reply != "checking" {
		t.Fatalf("expected last assistant text as reply, got %q", res.Reply)
	}
	if got := roles(s.Snapshot()); got != "system,user,assistant,tool" {
		t.Fatalf("unexpected history shape %s", got)
	}
}

func TestRunNotTruncatedWhenFinishingOnLastTurn(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{
		toolCallReply("c1", "echo", `{}`),
		{Role: RoleAssistant, Content: "final"},
	}}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{}, WithMaxTurns(2))
	res, err := c.Run(context.Background(), NewSession("u1", "sys"), "go", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Truncated || res.Turns != 2 {
		t.Fatalf("expected natural finish on last turn, got %+v", res)
	}
}

func TestRunInvalidArgumentsBecomeValidationError(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{
		toolCallReply("c1", "echo", `{not json`),
		{Role: RoleAssistant, Content: "let me fix that"},
	}}
	inv := &recordingInvoker{}
	c := newTestController(t, comp, echoCatalog(), inv)
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "go", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var ve *ValidationError
	if len(res.ToolResults) != 1 || !errors.As(res.ToolResults[0].Err, &ve) {
		t.Fatalf("expected validation error, got %+v", res.ToolResults)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("invalid arguments must not reach the invoker")
	}
}

func TestRunAuthFailureShortCircuitsRemainingCalls(t *testing.T) {
	comp := &scriptedCompleter{replies: []Message{{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "echo"},
			{ID: "c2", Name: "echo"},
		},
	}}}
	inv := &recordingInvoker{fn: func(name string, _ map[string]any) ToolResult {
		return ToolResult{Name: name, Err: &AuthenticationError{Cause: errors.New("401")}}
	}}
	c := newTestController(t, comp, echoCatalog(), inv)
	s := NewSession("u1", "sys")

	res, err := c.Run(context.Background(), s, "go", RunOptions{AuthToken: "expired"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if len(inv.calls) != 1 {
		t.Fatalf("expected remaining calls to be answered locally, got %d invocations", len(inv.calls))
	}
	if inv.tokens[0] != "expired" {
		t.Fatalf("expected auth token to reach invoker, got %q", inv.tokens[0])
	}
	if len(res.ToolResults) != 2 {
		t.Fatalf("expected a result for every call, got %d", len(res.ToolResults))
	}
	if got := roles(s.Snapshot()); got != "system,user,assistant,tool,tool" {
		t.Fatalf("history must stay consistent, got %s", got)
	}
	if comp.calls != 1 {
		t.Fatalf("expected no further completion after auth failure, got %d", comp.calls)
	}
}

func TestRunDiscoveryFailureLeavesHistoryUntouched(t *testing.T) {
	comp := &scriptedCompleter{}
	c := newTestController(t, comp, staticCatalog{err: errors.New("dial tcp: refused")}, &recordingInvoker{})
	s := NewSession("u1", "sys")

	_, err := c.Run(context.Background(), s, "hi", RunOptions{})
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected discovery error, got %v", err)
	}
	if s.Len() != 1 || comp.calls != 0 {
		t.Fatalf("expected no append and no completion, len=%d calls=%d", s.Len(), comp.calls)
	}
}

func TestRunCompletionFailureIsWrapped(t *testing.T) {
	comp := &scriptedCompleter{err: errors.New("rate limited")}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{})
	s := NewSession("u1", "sys")

	_, err := c.Run(context.Background(), s, "hi", RunOptions{})
	var ce *CompletionError
	if !errors.As(err, &ce) || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected completion error, got %v", err)
	}
	if got := roles(s.Snapshot()); got != "system,user" {
		t.Fatalf("unexpected history after completion failure %s", got)
	}
}

type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, _ []Message, _ *middleware.CompletionParams) (Message, error) {
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func TestRunCompletionTimeout(t *testing.T) {
	c := newTestController(t, blockingCompleter{}, echoCatalog(), &recordingInvoker{},
		WithCompletionTimeout(10*time.Millisecond))
	s := NewSession("u1", "sys")

	start := time.Now()
	_, err := c.Run(context.Background(), s, "hi", RunOptions{})
	var ce *CompletionError
	if !errors.As(err, &ce) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected completion error wrapping deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("completion timeout not applied, took %s", elapsed)
	}
	if got := roles(s.Snapshot()); got != "system,user" {
		t.Fatalf("unexpected history after timeout %s", got)
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	c := newTestController(t, &scriptedCompleter{}, echoCatalog(), &recordingInvoker{})
	if _, err := c.Run(context.Background(), NewSession("u1", "sys"), "   ", RunOptions{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected empty input error, got %v", err)
	}
}

type eventMW struct {
	id string
	fn func(e *middleware.Event) middleware.Decision
}

func (m eventMW) ID() string    { return m.id }
func (m eventMW) Priority() int { return 1 }
func (m eventMW) OnEvent(_ context.Context, e *middleware.Event) (middleware.Decision, error) {
	return m.fn(e), nil
}

func TestRunMiddlewareHandlesCommandWithReset(t *testing.T) {
	cleared := "Conversation cleared."
	chain := middleware.NewChain(eventMW{id: "cmd", fn: func(e *middleware.Event) middleware.Decision {
		if e.Name == middleware.EventBeforeUserMessage && e.UserText == "/clear" {
			return middleware.Decision{Cancel: true, ResetSession: true, ReplaceText: &cleared}
		}
		return middleware.Decision{}
	}})
	comp := &scriptedCompleter{}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{}, WithMiddlewareChain(chain))
	s := NewSession("u1", "sys")
	s.AppendUser("old")

	res, err := c.Run(context.Background(), s, "/clear", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Handled || !res.Reset || res.Reply != cleared {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.Len() != 1 || comp.calls != 0 {
		t.Fatalf("expected reset without completion, len=%d calls=%d", s.Len(), comp.calls)
	}
}

func TestRunMiddlewareBlocksToolCall(t *testing.T) {
	chain := middleware.NewChain(eventMW{id: "guard", fn: func(e *middleware.Event) middleware.Decision {
		if e.Name == middleware.EventBeforeToolCall && e.ToolName == "echo" {
			return middleware.Decision{Cancel: true, Reason: "echo is disabled"}
		}
		return middleware.Decision{}
	}})
	comp := &scriptedCompleter{replies: []Message{
		toolCallReply("c1", "echo", `{}`),
		{Role: RoleAssistant, Content: "cannot do that"},
	}}
	inv := &recordingInvoker{}
	c := newTestController(t, comp, echoCatalog(), inv, WithMiddlewareChain(chain))

	res, err := c.Run(context.Background(), NewSession("u1", "sys"), "go", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("blocked call reached invoker")
	}
	if !errors.Is(res.ToolResults[0].Err, ErrToolBlocked) {
		t.Fatalf("expected blocked error, got %v", res.ToolResults[0].Err)
	}
}

func TestRunAppliesHistoryWindowAndParamOverride(t *testing.T) {
	chain := middleware.NewChain(eventMW{id: "budget", fn: func(e *middleware.Event) middleware.Decision {
		if e.Name != middleware.EventBeforeCompletion {
			return middleware.Decision{}
		}
		p := e.Params.Clone()
		p.MaxTokens = 64
		return middleware.Decision{OverrideParams: p}
	}})
	comp := &scriptedCompleter{replies: []Message{{Role: RoleAssistant, Content: "ok"}}}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{},
		WithMiddlewareChain(chain),
		WithCompletionParams("m", nil, 512),
		WithHistoryWindow(lastOnly{}),
	)
	s := NewSession("u1", "sys")
	s.AppendUser("earlier")
	_ = s.AppendAssistant(Message{Content: "earlier reply"})

	if _, err := c.Run(context.Background(), s, "now", RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := roles(comp.seen[0]); got != "system,user" {
		t.Fatalf("expected windowed history, got %s", got)
	}
	if comp.params[0].MaxTokens != 64 || comp.params[0].Model != "m" {
		t.Fatalf("expected overridden params, got %+v", comp.params[0])
	}
	if s.Len() != 5 {
		t.Fatalf("window must not trim stored history, len=%d", s.Len())
	}
}

// lastOnly keeps the system prompt and the newest message.
type lastOnly struct{}

func (lastOnly) Apply(h []Message) []Message {
	if len(h) <= 2 {
		return h
	}
	return []Message{h[0], h[len(h)-1]}
}

func TestNewControllerRequiresDependencies(t *testing.T) {
	if _, err := NewController(nil, echoCatalog(), &recordingInvoker{}); err == nil {
		t.Fatalf("expected error for nil completer")
	}
	if _, err := NewController(&scriptedCompleter{}, nil, &recordingInvoker{}); err == nil {
		t.Fatalf("expected error for nil catalog")
	}
	if _, err := NewController(&scriptedCompleter{}, echoCatalog(), nil); err == nil {
		t.Fatalf("expected error for nil invoker")
	}
}

func TestRunMentionsAttachment(t *testing.T) {
	comp := &scriptedCompleter{}
	c := newTestController(t, comp, echoCatalog(), &recordingInvoker{})
	s := NewSession("u1", "sys")
	s.SetAttachment("https://media.example.com/ruth.txt")

	if _, err := c.Run(context.Background(), s, "what is the script direction?", RunOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := s.Snapshot()[1].Content
	want := "what is the script direction?\n\nThe user has provided a file at: https://media.example.com/ruth.txt. Please analyze it."
	if got != want {
		t.Fatalf("unexpected user message %q", got)
	}
}
