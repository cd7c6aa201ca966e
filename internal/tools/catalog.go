package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/singleflight"
)

const DefaultDiscoveryTimeout = 30 * time.Second

// Catalog caches the remote tool set. The first Discover fetches it; later
// calls are served from memory until Invalidate or the TTL expires. At most
// one fetch is in flight at a time.
type Catalog struct {
	remote  Remote
	token   string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	tools      []Descriptor
	validators map[string]*argValidator
	loaded     bool
	fetchedAt  time.Time
	generation uint64
}

type CatalogOption func(*Catalog)

// WithTTL expires the cached tool set after d. Zero keeps it until Invalidate.
func WithTTL(d time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttl = d }
}

func WithDiscoveryTimeout(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken sets the bearer token used for discovery.
func WithToken(token string) CatalogOption {
	return func(c *Catalog) { c.token = token }
}

func WithCatalogLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCatalog(remote Remote, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		remote:  remote,
		timeout: DefaultDiscoveryTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover returns the current tool set, fetching it if needed. A failed
// fetch leaves the previous state untouched and returns *DiscoveryError.
func (c *Catalog) Discover(ctx context.Context) ([]Descriptor, error) {
	if tools, ok := c.cached(); ok {
		return tools, nil
	}

	ch := c.group.DoChan("discover", func() (any, error) {
		return c.refresh(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, &DiscoveryError{Cause: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return cloneDescriptors(r.Val.([]Descriptor)), nil
	}
}

// CompletionSchema discovers the tools and projects them for the model.
func (c *Catalog) CompletionSchema(ctx context.Context) ([]llms.Tool, error) {
	tools, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return CompletionSchema(tools), nil
}

// Lookup finds a tool in the last discovered set without any I/O.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.tools {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Invalidate marks the cache stale; the next Discover fetches again. The
// last known set stays readable through Lookup until that fetch succeeds, so
// turns already holding it can still run their calls.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.generation++
}

func (c *Catalog) validator(name string) *argValidator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validators[name]
}

func (c *Catalog) cached() ([]Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return cloneDescriptors(c.tools), true
}

func (c *Catalog) refresh(ctx context.Context) ([]Descriptor, error) {
	if c.remote == nil {
		return nil, &DiscoveryError{Cause: errors.New("no tool service configured")}
	}
	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	// The fetch is shared by every waiter, so one caller going away must not
	// cancel it for the others.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := c.now()
	tools, err := c.remote.ListTools(fetchCtx, c.token)
	if err != nil {
		c.logger.Error("tool discovery failed", "err", err)
		var de *DiscoveryError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DiscoveryError{Cause: err}
	}

	validators := make(map[string]*argValidator, len(tools))
	for _, d := range tools {
		if d.Name == "" {
			return nil, &DiscoveryError{Cause: errors.New("tool service returned a tool without a name")}
		}
		v, err := compileSchema(d.ParameterSchema)
		if err != nil {
			c.logger.Warn("tool schema unusable, arguments will not be validated", "tool", d.Name, "err", err)
			v = nil
		}
		validators[d.Name] = v
	}

	c.mu.Lock()
	if c.generation == gen {
		c.tools = cloneDescriptors(tools)
		c.validators = validators
		c.loaded = true
		c.fetchedAt = c.now()
	}
	c.mu.Unlock()

	c.logger.Info("tools discovered", "count", len(tools), "took", c.now().Sub(start))
	return tools, nil
}

func cloneDescriptors(in []Descriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	copy(out, in)
	return out
}
