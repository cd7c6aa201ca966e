// Package mcp talks to the remote tool service over the Model Context
// Protocol. It keeps a bounded pool of protocol sessions, one per bearer
// token.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"greekroom/internal/tools"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"
)

// RemoteError is a failure reported by the tool itself (isError=true).
type RemoteError struct {
	Tool    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s reported an error", e.Tool)
	}
	return e.Message
}

const (
	defaultMaxSessions    = 64
	defaultSessionIdleTTL = 10 * time.Minute
)

type Client struct {
	spec       string
	httpClient *http.Client
	impl       *mcpsdk.Client
	logger     *slog.Logger

	maxSessions int
	idleTTL     time.Duration
	now         func() time.Time

	dials singleflight.Group

	mu       sync.Mutex
	sessions map[string]*pooled
}

// pooled is an open session and the calls currently using it. Sessions in
// use are never evicted.
type pooled struct {
	s       *mcpsdk.ClientSession
	inUse   int
	lastUse time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxSessions caps how many per-token sessions stay open. The least
// recently used idle session is closed when a new one would exceed it.
func WithMaxSessions(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSessions = n
		}
	}
}

// WithSessionIdleTTL closes sessions unused for longer than d. Zero keeps
// them until evicted by the cap.
func WithSessionIdleTTL(d time.Duration) Option {
	return func(c *Client) { c.idleTTL = d }
}

// NewClient prepares a client for spec; nothing is dialed until first use.
func NewClient(spec, version string, opts ...Option) *Client {
	if version == "" {
		version = "dev"
	}
	c := &Client{
		spec:        spec,
		impl:        mcpsdk.NewClient(&mcpsdk.Implementation{Name: "greekroom", Version: version}, nil),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxSessions: defaultMaxSessions,
		idleTTL:     defaultSessionIdleTTL,
		now:         time.Now,
		sessions:    make(map[string]*pooled),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ tools.Remote = (*Client)(nil)

// session returns the open session for token, dialing one if needed, and a
// release func the caller must run when its call is done. Dials happen
// outside the lock; concurrent callers for the same token share one dial.
func (c *Client) session(ctx context.Context, token string) (*mcpsdk.ClientSession, func(), error) {
	c.mu.Lock()
	if p, ok := c.sessions[token]; ok {
		p.inUse++
		p.lastUse = c.now()
		c.mu.Unlock()
		return p.s, c.releaser(p), nil
	}
	c.mu.Unlock()

	ch := c.dials.DoChan(token, func() (any, error) {
		c.mu.Lock()
		p, ok := c.sessions[token]
		c.mu.Unlock()
		if ok {
			return p, nil
		}
		transport, err := transportBuilder(ctx, c.spec, c.httpClient, token)
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		s, err := c.impl.Connect(ctx, transport, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to tool service: %w", err)
		}
		c.logger.Debug("tool service session opened", "spec", c.spec, "authenticated", token != "")
		// Pool it here so a session whose callers gave up is still evictable.
		c.mu.Lock()
		defer c.mu.Unlock()
		if p, ok := c.sessions[token]; ok {
			_ = s.Close()
			return p, nil
		}
		p = &pooled{s: s, lastUse: c.now()}
		c.sessions[token] = p
		return p, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, nil, res.Err
	}
	p := res.Val.(*pooled)

	c.mu.Lock()
	p.inUse++
	p.lastUse = c.now()
	stale := c.evictLocked()
	c.mu.Unlock()

	closeAll(stale)
	return p.s, c.releaser(p), nil
}

func (c *Client) releaser(p *pooled) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			p.inUse--
			p.lastUse = c.now()
			c.mu.Unlock()
		})
	}
}

// evictLocked removes idle sessions past the TTL, then the least recently
// used idle ones while over the cap. The caller closes what it returns.
func (c *Client) evictLocked() []*mcpsdk.ClientSession {
	var out []*mcpsdk.ClientSession
	now := c.now()
	if c.idleTTL > 0 {
		for token, p := range c.sessions {
			if p.inUse == 0 && now.Sub(p.lastUse) > c.idleTTL {
				delete(c.sessions, token)
				out = append(out, p.s)
			}
		}
	}
	for len(c.sessions) > c.maxSessions {
		var (
			oldest string
			found  bool
		)
		for token, p := range c.sessions {
			if p.inUse > 0 {
				continue
			}
			if !found || p.lastUse.Before(c.sessions[oldest].lastUse) {
				oldest, found = token, true
			}
		}
		if !found {
			break
		}
		out = append(out, c.sessions[oldest].s)
		delete(c.sessions, oldest)
	}
	if len(out) > 0 {
		c.logger.Debug("tool service sessions evicted", "count", len(out), "open", len(c.sessions))
	}
	return out
}

func closeAll(sessions []*mcpsdk.ClientSession) {
	for _, s := range sessions {
		_ = s.Close()
	}
}

// drop forgets a session after a transport failure so the next call dials
// again.
func (c *Client) drop(token string, s *mcpsdk.ClientSession) {
	c.mu.Lock()
	cur, ok := c.sessions[token]
	if ok && cur.s == s {
		delete(c.sessions, token)
	}
	c.mu.Unlock()
	if ok && cur.s == s {
		_ = s.Close()
	}
}

// ListTools fetches the full tool list.
func (c *Client) ListTools(ctx context.Context, token string) ([]tools.Descriptor, error) {
	s, release, err := c.session(ctx, token)
	if err != nil {
		return nil, err
	}
	defer release()
	var out []tools.Descriptor
	for tool, err := range s.Tools(ctx, nil) {
		if err != nil {
			c.drop(token, s)
			return nil, fmt.Errorf("list tools: %w", err)
		}
		d, err := toDescriptor(tool)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// CallTool invokes name and joins the text content of the result. A result
// flagged as an error becomes *RemoteError.
func (c *Client) CallTool(ctx context.Context, token, name string, args map[string]any) (string, error) {
	s, release, err := c.session(ctx, token)
	if err != nil {
		return "", err
	}
	defer release()
	if args == nil {
		args = map[string]any{}
	}
	result, err := s.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() == nil {
			c.drop(token, s)
		}
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	text := joinContent(result.Content)
	if result.IsError {
		return "", &RemoteError{Tool: name, Message: text}
	}
	return text, nil
}

// Close ends every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for token, p := range c.sessions {
		if err := p.s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.sessions, token)
	}
	return errors.Join(errs...)
}

func toDescriptor(tool *mcpsdk.Tool) (tools.Descriptor, error) {
	if tool == nil {
		return tools.Descriptor{}, errors.New("tool service returned an empty tool entry")
	}
	d := tools.Descriptor{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema == nil {
		return d, nil
	}
	b, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return d, fmt.Errorf("tool %s: encode input schema: %w", tool.Name, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		return d, fmt.Errorf("tool %s: input schema is not an object: %w", tool.Name, err)
	}
	d.ParameterSchema = schema
	return d, nil
}

func joinContent(content []mcpsdk.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		default:
			b, err := json.Marshal(v)
			if err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
