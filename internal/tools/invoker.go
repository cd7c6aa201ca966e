package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"greekroom/internal/chat"
)

const DefaultToolTimeout = 60 * time.Second

// Invoker executes tool calls against the remote service. Every outcome is
// returned as a chat.ToolResult; Invoke never returns a Go error.
type Invoker struct {
	catalog      *Catalog
	remote       Remote
	timeout      time.Duration
	defaultToken string
	logger       *slog.Logger
}

type InvokerOption func(*Invoker)

func WithToolTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithDefaultToken is used when a call arrives without a token of its own.
func WithDefaultToken(token string) InvokerOption {
	return func(i *Invoker) { i.defaultToken = token }
}

func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

func NewInvoker(catalog *Catalog, remote Remote, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		catalog: catalog,
		remote:  remote,
		timeout: DefaultToolTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke runs tool name with args. Unknown tools and schema-invalid arguments
// are rejected locally before any request is made.
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any, token string) (res chat.ToolResult) {
	res = chat.ToolResult{Name: name}
	defer func() {
		if r := recover(); r != nil {
			res.Content = ""
			res.Err = &ToolExecutionError{Tool: name, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, known := i.validatorFor(ctx, name)
	if !known {
		res.Err = &ToolNotFoundError{Name: name}
		return res
	}
	if err := v.validate(args); err != nil {
		res.Err = &ValidationError{Tool: name, Cause: err}
		return res
	}
	if i.remote == nil {
		res.Err = &ToolExecutionError{Tool: name, Cause: errors.New("no tool service configured")}
		return res
	}
	if token == "" {
		token = i.defaultToken
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	out, err := i.remote.CallTool(callCtx, token, name, args)
	if err != nil {
		if IsUnauthorized(err) {
			res.Err = &AuthenticationError{Cause: err}
		} else {
			res.Err = &ToolExecutionError{Tool: name, Cause: err}
		}
		i.logger.Warn("tool call failed", "tool", name, "took", time.Since(start), "err", err)
		return res
	}
	i.logger.Debug("tool call succeeded", "tool", name, "took", time.Since(start), "bytes", len(out))
	res.Content = out
	return res
}

// validatorFor resolves name against the tool set the turn was given when the
// context carries one, and against the catalog otherwise.
func (i *Invoker) validatorFor(ctx context.Context, name string) (*argValidator, bool) {
	offered, found, scoped := chat.OfferedTool(ctx, name)
	if scoped && !found {
		return nil, false
	}
	if _, ok := i.catalog.Lookup(name); ok {
		return i.catalog.validator(name), true
	}
	if !scoped {
		return nil, false
	}
	// The catalog moved on since the turn started; use the schema the model saw.
	raw, _ := offered.Function.Parameters.(map[string]any)
	v, err := compileSchema(raw)
	if err != nil {
		i.logger.Warn("offered tool schema unusable, arguments will not be validated", "tool", name, "err", err)
		return nil, true
	}
	return v, true
}
