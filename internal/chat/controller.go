package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"greekroom/internal/middleware"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

const DefaultMaxTurns = 8

// Controller drives the tool-use loop for one user message:
// completion -> tool calls -> tool results -> completion -> ...
type Controller struct {
	completer Completer
	catalog   ToolCatalog
	invoker   ToolInvoker

	mws    *middleware.Chain
	window HistoryWindow
	logger *slog.Logger

	params            middleware.CompletionParams
	maxTurns          int
	completionTimeout time.Duration
	newTurnID         func() string
}

type ControllerOption func(*Controller)

func WithMiddlewareChain(chain *middleware.Chain) ControllerOption {
	return func(c *Controller) {
		c.mws = chain
	}
}

func WithHistoryWindow(w HistoryWindow) ControllerOption {
	return func(c *Controller) {
		c.window = w
	}
}

func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCompletionParams sets the model, temperature and token cap used for
// every completion unless a middleware overrides them. A nil temperature
// leaves the provider default.
func WithCompletionParams(model string, temperature *float64, maxTokens int) ControllerOption {
	return func(c *Controller) {
		c.params.Model = model
		c.params.Temperature = temperature
		c.params.MaxTokens = maxTokens
	}
}

func WithMaxTurns(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithCompletionTimeout bounds each completion call. Zero leaves only the
// caller's deadline in place.
func WithCompletionTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.completionTimeout = d
	}
}

func NewController(completer Completer, catalog ToolCatalog, invoker ToolInvoker, opts ...ControllerOption) (*Controller, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if catalog == nil {
		return nil, errors.New("tool catalog is required")
	}
	if invoker == nil {
		return nil, errors.New("tool invoker is required")
	}
	c := &Controller{
		completer: completer,
		catalog:   catalog,
		invoker:   invoker,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxTurns:  DefaultMaxTurns,
		newTurnID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

const attachmentNote = "\n\nThe user has provided a file at: %s. Please analyze it."

// RunOptions carries per-request inputs.
type RunOptions struct {
	// MaxTurns overrides the controller default when > 0.
	MaxTurns int
	// AuthToken is attached to every tool call of this run.
	AuthToken string
	// Context is handed to middlewares (channel name, token budget, ...).
	Context map[string]any
}

type TurnResult struct {
	TurnID      string
	Reply       string
	Turns       int
	Truncated   bool
	ToolResults []ToolResult

	// Handled is set when a middleware answered without calling the model.
	Handled bool
	// Reset is set when the session history was cleared by this request.
	Reset bool
}

// Run appends input to s and loops until the model answers without tool
// calls or the turn budget is spent. Tool failures are folded into history;
// discovery and completion failures are returned and leave the history as it
// was at the point of failure.
func (c *Controller) Run(ctx context.Context, s *Session, input string, opts RunOptions) (TurnResult, error) {
	result := TurnResult{TurnID: c.newTurnID()}
	if s == nil {
		return result, errors.New("session is required")
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return result, ErrEmptyInput
	}
	maxTurns := c.maxTurns
	if opts.MaxTurns > 0 {
		maxTurns = opts.MaxTurns
	}
	log := c.logger.With("turn_id", result.TurnID, "session", s.ID())

	e := &middleware.Event{
		Name:      middleware.EventBeforeUserMessage,
		SessionID: s.ID(),
		UserText:  input,
		Context:   opts.Context,
	}
	decisions, err := c.mws.Dispatch(ctx, e)
	if err != nil {
		return result, err
	}
	if middleware.WantsReset(decisions) {
		s.Reset()
		result.Reset = true
		log.Info("session reset by middleware")
	}
	updated, canceled := middleware.ApplyText(input, decisions)
	if canceled != nil {
		if canceled.ReplaceText == nil || updated == "" {
			if canceled.Reason == "" {
				return result, errors.New("request canceled by middleware")
			}
			return result, errors.New(canceled.Reason)
		}
		result.Handled = true
		result.Reply = updated
		return result, nil
	}
	input = updated
	if ref := s.Attachment(); ref != "" {
		input += fmt.Sprintf(attachmentNote, ref)
	}

	schema, err := c.catalog.CompletionSchema(ctx)
	if err != nil {
		var de *DiscoveryError
		if !errors.As(err, &de) {
			err = &DiscoveryError{Cause: err}
		}
		log.Error("tool discovery failed", "err", err)
		return result, err
	}
	ctx = WithOfferedTools(ctx, schema)

	s.AppendUser(input)

	for result.Turns < maxTurns {
		result.Turns++

		assistant, err := c.complete(ctx, s, schema, result.Turns, opts)
		if err != nil {
			log.Error("completion failed", "turn", result.Turns, "err", err)
			return result, err
		}
		if err := s.AppendAssistant(assistant); err != nil {
			return result, err
		}

		if len(assistant.ToolCalls) == 0 {
			reply, err := c.finalReply(ctx, s, assistant.Content, result.Turns, opts)
			if err != nil {
				return result, err
			}
			result.Reply = reply
			log.Info("turn completed", "turns", result.Turns, "tool_results", len(result.ToolResults))
			return result, nil
		}

		log.Info("model requested tools", "turn", result.Turns, "count", len(assistant.ToolCalls))
		var authErr error
		for _, call := range assistant.ToolCalls {
			var res ToolResult
			if authErr != nil {
				// The remaining calls would be rejected the same way; answer them
				// locally so every call ID still gets a result.
				res = ToolResult{ToolCallID: call.ID, Name: call.Name, Err: authErr}
			} else {
				res = c.executeTool(ctx, s, call, result.Turns, opts)
			}
			if err := s.AppendToolResult(res); err != nil {
				return result, fmt.Errorf("record result of %s: %w", call.Name, err)
			}
			result.ToolResults = append(result.ToolResults, res)
			if res.Failed() {
				log.Warn("tool call failed", "tool", call.Name, "err", res.Err)
			}
			var ae *AuthenticationError
			if authErr == nil && errors.As(res.Err, &ae) {
				authErr = ae
			}
		}
		if authErr != nil {
			return result, authErr
		}
	}

	result.Truncated = true
	result.Reply = lastAssistantText(s.Snapshot())
	log.Warn("turn budget exhausted", "max_turns", maxTurns)
	return result, nil
}

func (c *Controller) complete(ctx context.Context, s *Session, schema []llms.Tool, turn int, opts RunOptions) (Message, error) {
	params := c.params.Clone()
	params.Tools = schema
	if len(schema) > 0 {
		params.ToolChoice = "auto"
	}
	e := &middleware.Event{
		Name:      middleware.EventBeforeCompletion,
		SessionID: s.ID(),
		Turn:      turn,
		Params:    params,
		Context:   opts.Context,
	}
	if _, err := c.mws.Dispatch(ctx, e); err != nil {
		return Message{}, err
	}
	if e.Params != nil {
		params = e.Params
	}

	history := s.Snapshot()
	if c.window != nil {
		history = c.window.Apply(history)
	}

	callCtx, cancel := withTimeout(ctx, c.completionTimeout)
	defer cancel()
	msg, err := c.completer.Complete(callCtx, history, params)
	if err != nil {
		var ce *CompletionError
		if !errors.As(err, &ce) {
			err = &CompletionError{Cause: err}
		}
		return Message{}, err
	}
	msg.Role = RoleAssistant
	return msg, nil
}

func (c *Controller) executeTool(ctx context.Context, s *Session, call ToolCall, turn int, opts RunOptions) ToolResult {
	res := ToolResult{ToolCallID: call.ID, Name: call.Name}

	args, err := call.DecodeArguments()
	if err != nil {
		res.Err = &ValidationError{Tool: call.Name, Cause: err}
		return res
	}

	e := &middleware.Event{
		Name:      middleware.EventBeforeToolCall,
		SessionID: s.ID(),
		Turn:      turn,
		ToolName:  call.Name,
		ToolArgs:  args,
		Context:   opts.Context,
	}
	decisions, err := c.mws.Dispatch(ctx, e)
	if err != nil {
		res.Err = &ToolExecutionError{Tool: call.Name, Cause: err}
		return res
	}
	if dec := middleware.Canceled(decisions); dec != nil {
		res.Err = fmt.Errorf("%w: %s", ErrToolBlocked, dec.Reason)
		return res
	}

	out := c.invoker.Invoke(ctx, call.Name, args, opts.AuthToken)
	out.ToolCallID = call.ID
	if out.Name == "" {
		out.Name = call.Name
	}
	return out
}

func (c *Controller) finalReply(ctx context.Context, s *Session, text string, turn int, opts RunOptions) (string, error) {
	e := &middleware.Event{
		Name:      middleware.EventBeforeUserReply,
		SessionID: s.ID(),
		Turn:      turn,
		ReplyText: text,
		Context:   opts.Context,
	}
	decisions, err := c.mws.Dispatch(ctx, e)
	if err != nil {
		return "", err
	}
	reply, _ := middleware.ApplyText(text, decisions)
	return reply, nil
}

// lastAssistantText looks back to the most recent user message only.
func lastAssistantText(history []Message) string {
	for i := len(history) - 1; i >= 0 && history[i].Role != RoleUser; i-- {
		if history[i].Role == RoleAssistant && strings.TrimSpace(history[i].Content) != "" {
			return history[i].Content
		}
	}
	return ""
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type offeredToolsKey struct{}

// WithOfferedTools records the tool set a turn advertised to the model, so
// calls are checked against it even if the catalog is refreshed mid-turn.
func WithOfferedTools(ctx context.Context, tools []llms.Tool) context.Context {
	return context.WithValue(ctx, offeredToolsKey{}, tools)
}

// OfferedTool finds name in the set recorded by WithOfferedTools. ok is false
// when the context carries no set.
func OfferedTool(ctx context.Context, name string) (tool llms.Tool, found, ok bool) {
	tools, ok := ctx.Value(offeredToolsKey{}).([]llms.Tool)
	if !ok {
		return llms.Tool{}, false, false
	}
	for _, t := range tools {
		if t.Function != nil && t.Function.Name == name {
			return t, true, true
		}
	}
	return llms.Tool{}, false, true
}
