package middleware

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Chain executes middlewares in descending Priority() order.
// If priorities are equal, registration order is preserved.
type Chain struct {
	mu  sync.RWMutex
	mws []Middleware

	debugMu sync.Mutex
	debugW  io.Writer
}

type DecisionResult struct {
	MiddlewareID string
	Priority     int
	Decision     Decision
}

func NewChain(mws ...Middleware) *Chain {
	c := &Chain{}
	for _, mw := range mws {
		c.Use(mw)
	}
	return c
}

// SetDebugWriter enables JSONL debug logging for dispatch decisions.
// If w is nil, logging is disabled.
func (c *Chain) SetDebugWriter(w io.Writer) {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	c.debugW = w
}

func (c *Chain) Use(mw Middleware) {
	if mw == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = append(c.mws, mw)
	sort.SliceStable(c.mws, func(i, j int) bool {
		return c.mws[i].Priority() > c.mws[j].Priority()
	})
}

func (c *Chain) List() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Middleware, len(c.mws))
	copy(out, c.mws)
	return out
}

// Dispatch runs all middlewares for the event, stopping early if one returns
// Decision.Cancel. A nil chain dispatches nothing.
func (c *Chain) Dispatch(ctx context.Context, e *Event) ([]DecisionResult, error) {
	if c == nil || e == nil {
		return nil, nil
	}
	mws := c.List()

	results := make([]DecisionResult, 0, len(mws))
	for _, mw := range mws {
		before := eventText(e)
		if cmw, ok := mw.(ConditionalMiddleware); ok && !cmw.ShouldLoad(ctx, e) {
			dec := Decision{Reason: "skipped (ShouldLoad=false)"}
			c.debugLog(e, mw, true, before, before, dec)
			results = append(results, DecisionResult{MiddlewareID: mw.ID(), Priority: mw.Priority(), Decision: dec})
			continue
		}

		dec, err := mw.OnEvent(ctx, e)
		if err != nil {
			c.debugLog(e, mw, false, before, eventText(e), Decision{Reason: err.Error(), Cancel: true})
			return nil, fmt.Errorf("middleware %s: %w", mw.ID(), err)
		}

		applyDecisionToEvent(e, dec)
		c.debugLog(e, mw, false, before, eventText(e), dec)

		// Keep a record even for no-op decisions so callers can log per middleware.
		results = append(results, DecisionResult{MiddlewareID: mw.ID(), Priority: mw.Priority(), Decision: dec})
		if dec.Cancel {
			break
		}
	}
	return results, nil
}

// ApplyText folds ReplaceText decisions over initial and returns the first
// cancelling decision, if any.
func ApplyText(initial string, results []DecisionResult) (string, *Decision) {
	cur := strings.TrimSpace(initial)
	for _, r := range results {
		dec := r.Decision
		if dec.ReplaceText != nil {
			cur = strings.TrimSpace(*dec.ReplaceText)
		}
		if dec.Cancel {
			return cur, &dec
		}
	}
	return cur, nil
}

// WantsReset reports whether any decision asked for a session reset.
func WantsReset(results []DecisionResult) bool {
	for _, r := range results {
		if r.Decision.ResetSession {
			return true
		}
	}
	return false
}

// Canceled returns the first cancelling decision.
func Canceled(results []DecisionResult) *Decision {
	for _, r := range results {
		if r.Decision.Cancel {
			dec := r.Decision
			return &dec
		}
	}
	return nil
}
