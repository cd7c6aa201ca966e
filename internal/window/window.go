package window

import (
	"io"
	"log/slog"

	"greekroom/internal/chat"
)

// Stats summarizes one Apply call.
type Stats struct {
	Total          int
	Budget         int
	IncludedGroups int
	SkippedGroups  int
	// OverBudgetNewest is set when the current exchange (the latest user
	// message and everything after it) alone exceeds the budget. It is still
	// sent; the model cannot answer without it.
	OverBudgetNewest bool
}

// Policy trims the outgoing view of a conversation to a token budget and a
// message cap. Zero values disable the respective limit.
type Policy struct {
	Budget      int
	MaxMessages int
	Counter     Counter
	Logger      *slog.Logger
}

func NewPolicy(budget, maxMessages int, counter Counter, logger *slog.Logger) *Policy {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Policy{Budget: budget, MaxMessages: maxMessages, Counter: counter, Logger: logger}
}

var _ chat.HistoryWindow = (*Policy)(nil)

// Apply returns the system prompt, the current exchange, and the newest older
// groups that fit both limits. Order is preserved.
func (p *Policy) Apply(history []chat.Message) []chat.Message {
	out, stats := p.Prepare(history)
	if stats.SkippedGroups > 0 && p.Logger != nil {
		p.Logger.Debug("history trimmed",
			"included_groups", stats.IncludedGroups,
			"skipped_groups", stats.SkippedGroups,
			"tokens", stats.Total,
			"budget", stats.Budget,
			"over_budget_newest", stats.OverBudgetNewest)
	}
	return out
}

func (p *Policy) Prepare(history []chat.Message) ([]chat.Message, Stats) {
	stats := Stats{Budget: p.Budget}
	if len(history) == 0 {
		return history, stats
	}
	if p.Budget <= 0 && p.MaxMessages <= 0 {
		return history, stats
	}
	counter := p.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}

	var head []chat.Message
	body := history
	if history[0].Role == chat.RoleSystem {
		head = history[:1]
		body = history[1:]
		stats.Total = counter.Count(history[0])
	}

	groups := GroupMessages(body)
	pinned := pinnedFrom(body, groups)
	start := len(body)
	messages := len(head)
	for gi := len(groups) - 1; gi >= 0; gi-- {
		g := groups[gi]
		cost := 0
		for i := g.Start; i < g.End; i++ {
			cost += counter.Count(body[i])
		}
		size := g.End - g.Start
		current := g.Start >= pinned

		fitsBudget := p.Budget <= 0 || stats.Total+cost <= p.Budget
		fitsCount := p.MaxMessages <= 0 || messages+size <= p.MaxMessages
		if !current && (!fitsBudget || !fitsCount) {
			break
		}
		if current && !fitsBudget {
			stats.OverBudgetNewest = true
		}
		stats.Total += cost
		stats.IncludedGroups++
		messages += size
		start = g.Start
	}
	stats.SkippedGroups = len(groups) - stats.IncludedGroups

	if stats.SkippedGroups == 0 {
		return history, stats
	}
	out := make([]chat.Message, 0, len(head)+len(body)-start)
	out = append(out, head...)
	out = append(out, body[start:]...)
	return out, stats
}

// pinnedFrom returns the body index from which every group is always kept:
// the latest user message, or the newest group when there is none.
func pinnedFrom(body []chat.Message, groups []Group) int {
	for i := len(body) - 1; i >= 0; i-- {
		if body[i].Role == chat.RoleUser {
			return i
		}
	}
	if len(groups) == 0 {
		return len(body)
	}
	return groups[len(groups)-1].Start
}
