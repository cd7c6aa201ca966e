// Package gateway assembles the orchestrator from configuration and gives
// every surface (CLI, TUI, HTTP API, messaging bots) the same entry points.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"greekroom/internal/chat"
	"greekroom/internal/config"
	"greekroom/internal/llm"
	"greekroom/internal/mcp"
	"greekroom/internal/middleware"
	"greekroom/internal/session"
	"greekroom/internal/tools"
	"greekroom/internal/window"
	_ "greekroom/middlewares/autoload" // register bundled middlewares
)

const Version = "0.1.0"

// Parts are the two external backends. Tests pass fakes; New builds the real
// ones from configuration.
type Parts struct {
	Remote    tools.Remote
	Completer chat.Completer
	// Closers run on Close in reverse order.
	Closers []func() error
}

type Gateway struct {
	cfg        config.Config
	logger     *slog.Logger
	remote     tools.Remote
	catalog    *tools.Catalog
	controller *chat.Controller
	store      *session.Store
	closers    []func() error
	started    time.Time
}

// New connects the MCP client and the completion backend described by cfg.
// Nothing is dialed until the first request.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := mcp.NewClient(cfg.MCPURL, Version, mcp.WithLogger(logger.With("component", "mcp")))
	completer, err := llm.New(ctx, llm.Options{
		Provider: llm.Provider(cfg.Provider),
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize completion client: %w", err)
	}
	return Assemble(cfg, logger, Parts{
		Remote:    client,
		Completer: completer,
		Closers:   []func() error{client.Close},
	})
}

// Assemble builds the catalog, invoker, window, middleware chain, controller
// and session store around the given backends.
func Assemble(cfg config.Config, logger *slog.Logger, parts Parts) (*Gateway, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if parts.Remote == nil || parts.Completer == nil {
		return nil, errors.New("gateway needs a tool service and a completion backend")
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		remote:  parts.Remote,
		closers: append([]func() error(nil), parts.Closers...),
		started: time.Now(),
	}

	g.catalog = tools.NewCatalog(parts.Remote,
		tools.WithTTL(cfg.CatalogTTL),
		tools.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
		tools.WithToken(cfg.MCPAuthToken),
		tools.WithCatalogLogger(logger.With("component", "catalog")),
	)
	invoker := tools.NewInvoker(g.catalog, parts.Remote,
		tools.WithToolTimeout(cfg.ToolTimeout),
		tools.WithDefaultToken(cfg.MCPAuthToken),
		tools.WithInvokerLogger(logger.With("component", "invoker")),
	)

	policy := window.NewPolicy(cfg.HistoryTokenBudget, cfg.MaxHistoryMessages, newCounter(cfg, logger), logger.With("component", "window"))

	debugW, closeDebug := openDebugLog(cfg.MiddlewareLog, logger)
	if closeDebug != nil {
		g.closers = append(g.closers, closeDebug)
	}
	chain := middleware.NewChainFromRegistry(debugW, cfg.DisabledMiddlewares)
	if chain != nil {
		ids := make([]string, 0)
		for _, m := range chain.List() {
			ids = append(ids, m.ID())
		}
		logger.Debug("middlewares loaded", "ids", strings.Join(ids, ","))
	}

	controller, err := chat.NewController(parts.Completer, g.catalog, invoker,
		chat.WithMiddlewareChain(chain),
		chat.WithHistoryWindow(policy),
		chat.WithLogger(logger.With("component", "controller")),
		chat.WithCompletionParams(cfg.Model, cfg.Temperature, cfg.MaxTokens),
		chat.WithMaxTurns(cfg.MaxTurns),
		chat.WithCompletionTimeout(cfg.CompletionTimeout),
	)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.controller = controller
	g.store = session.NewStore(cfg.SystemPrompt,
		session.WithIdleTTL(cfg.SessionIdleTTL),
		session.WithLogger(logger.With("component", "sessions")),
	)
	return g, nil
}

// newCounter uses tiktoken when an encoding is configured. Loading a
// vocabulary can fail offline; the heuristic counter is the fallback.
func newCounter(cfg config.Config, logger *slog.Logger) window.Counter {
	if strings.TrimSpace(cfg.TokenEncoding) == "" {
		return window.HeuristicCounter{}
	}
	c, err := window.NewTiktokenCounter(cfg.Model, cfg.TokenEncoding)
	if err != nil {
		logger.Warn("token counter unavailable, using heuristic", "encoding", cfg.TokenEncoding, "err", err)
		return window.HeuristicCounter{}
	}
	return c
}

func openDebugLog(path string, logger *slog.Logger) (io.Writer, func() error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn("failed to open middleware log file", "path", path, "err", err)
		return nil, nil
	}
	return f, f.Close
}

// AskOptions carries per-request inputs from a surface.
type AskOptions struct {
	// Token authenticates tool calls; empty falls back to MCP_AUTH_TOKEN.
	Token string
	// Attachment is a file URL to remember on the session until reset.
	Attachment string
	// Channel names the surface ("cli", "http", "whatsapp", ...).
	Channel  string
	MaxTurns int
	Context  map[string]any
}

// Ask runs one user turn for identity while holding that session's lease.
func (g *Gateway) Ask(ctx context.Context, identity, text string, opts AskOptions) (chat.TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.TurnTimeout)
	defer cancel()

	sess, release, err := g.store.Acquire(ctx, identity)
	if err != nil {
		return chat.TurnResult{}, err
	}
	defer release()

	if opts.Attachment != "" {
		sess.SetAttachment(opts.Attachment)
		g.logger.Info("attachment stored", "session", identity, "url", opts.Attachment)
	}

	turnCtx := make(map[string]any, len(opts.Context)+1)
	maps.Copy(turnCtx, opts.Context)
	if opts.Channel != "" {
		turnCtx["channel"] = opts.Channel
	}

	token := opts.Token
	if token == "" {
		token = g.cfg.MCPAuthToken
	}
	return g.controller.Run(ctx, sess, text, chat.RunOptions{
		MaxTurns:  opts.MaxTurns,
		AuthToken: token,
		Context:   turnCtx,
	})
}

// Attach remembers a file URL on identity's session without running a turn.
func (g *Gateway) Attach(ctx context.Context, identity, url string) error {
	sess, release, err := g.store.Acquire(ctx, identity)
	if err != nil {
		return err
	}
	defer release()
	sess.SetAttachment(url)
	g.logger.Info("attachment stored", "session", identity, "url", url)
	return nil
}

// Tools lists the tool catalog. A token other than the configured one
// bypasses the shared cache so the listing reflects that caller's access.
func (g *Gateway) Tools(ctx context.Context, token string) ([]tools.Descriptor, error) {
	if token == "" || token == g.cfg.MCPAuthToken {
		return g.catalog.Discover(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DiscoveryTimeout)
	defer cancel()
	descs, err := g.remote.ListTools(ctx, token)
	if err != nil {
		return nil, &tools.DiscoveryError{Cause: err}
	}
	return descs, nil
}

// RefreshTools drops the cached catalog.
func (g *Gateway) RefreshTools() { g.catalog.Invalidate() }

// Reset clears identity's conversation. It reports false for unknown
// identities.
func (g *Gateway) Reset(ctx context.Context, identity string) (bool, error) {
	return g.store.Reset(ctx, identity)
}

// History returns a copy of identity's conversation.
func (g *Gateway) History(identity string) ([]chat.Message, error) {
	sess, err := g.store.GetOrCreate(identity)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

type Status struct {
	Version  string        `json:"version"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	MCPURL   string        `json:"mcp_url"`
	Sessions int           `json:"sessions"`
	MaxTurns int           `json:"max_turns"`
	Uptime   time.Duration `json:"uptime_ns"`
}

func (g *Gateway) Status() Status {
	return Status{
		Version:  Version,
		Provider: g.cfg.Provider,
		Model:    g.cfg.Model,
		MCPURL:   g.cfg.MCPURL,
		Sessions: g.store.Len(),
		MaxTurns: g.cfg.MaxTurns,
		Uptime:   time.Since(g.started),
	}
}

func (g *Gateway) Config() config.Config { return g.cfg }

func (g *Gateway) Logger() *slog.Logger { return g.logger }

// Run evicts idle sessions until ctx is done.
func (g *Gateway) Run(ctx context.Context) { g.store.Run(ctx) }

func (g *Gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
