package communicators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"greekroom/internal/chat"
	"greekroom/internal/gateway"
)

// Communicator is an external chat adapter (WhatsApp, Telegram, ...).
type Communicator interface {
	// ID returns the unique name of the communicator (e.g. "whatsapp").
	ID() string

	// Start routes incoming messages to the gateway. It blocks until ctx is
	// canceled or an error occurs, and returns nil at once when the adapter
	// is not configured.
	Start(ctx context.Context, gw *gateway.Gateway) error
}

// Gateway is the part of *gateway.Gateway that message handlers use.
type Gateway interface {
	Ask(ctx context.Context, identity, text string, opts gateway.AskOptions) (chat.TurnResult, error)
	Attach(ctx context.Context, identity, url string) error
}

var _ Gateway = (*gateway.Gateway)(nil)

var (
	registry   = make(map[string]Communicator)
	registryMu sync.RWMutex
)

// Register adds a Communicator to the global registry. It is typically called
// from an adapter package's init.
func Register(c Communicator) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if c == nil {
		panic("communicator: Register communicator is nil")
	}
	if _, dup := registry[c.ID()]; dup {
		panic("communicator: Register called twice for communicator " + c.ID())
	}
	registry[c.ID()] = c
}

// Get returns a registered communicator by ID.
func Get(id string) (Communicator, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	c, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("communicator '%s' not found", id)
	}
	return c, nil
}

// All returns the registered communicators ordered by ID.
func All() []Communicator {
	registryMu.RLock()
	defer registryMu.RUnlock()

	list := make([]Communicator, 0, len(registry))
	for _, c := range registry {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

// Replies renders a turn as the messages to send back, each at most maxLen
// characters. Failures become a single rendered error message.
func Replies(res chat.TurnResult, err error, maxLen int) []string {
	if err != nil {
		return []string{gateway.RenderError(err)}
	}
	if res.Reply == "" {
		if res.Truncated {
			return []string{gateway.TruncatedNote}
		}
		return []string{"🤷 I don't have a response for that."}
	}
	out := Split(res.Reply, maxLen)
	if res.Truncated {
		out = append(out, gateway.TruncatedNote)
	}
	return out
}
