package tokenbudget

import (
	"context"

	mw "greekroom/internal/middleware"
)

func init() {
	mw.Register(BudgetLimiter{})
}

// BudgetLimiter caps the completion's MaxTokens at Event.Context["token_budget"]
// when a surface sets one. The smaller of the two wins.
type BudgetLimiter struct{}

func (BudgetLimiter) ID() string    { return "tokenbudget" }
func (BudgetLimiter) Priority() int { return 90 }

func (BudgetLimiter) OnEvent(_ context.Context, e *mw.Event) (mw.Decision, error) {
	if e == nil || e.Name != mw.EventBeforeCompletion {
		return mw.Decision{}, nil
	}
	budget := budgetFrom(e.Context)
	if budget <= 0 {
		return mw.Decision{}, nil
	}

	params := e.Params.Clone()
	if params.MaxTokens == 0 || params.MaxTokens > budget {
		params.MaxTokens = budget
		return mw.Decision{
			OverrideParams: params,
			Reason:         "tokenbudget: capped MaxTokens",
		}, nil
	}
	return mw.Decision{}, nil
}

// budgetFrom accepts int or float64, the latter being what a JSON body decodes to.
func budgetFrom(ctx map[string]any) int {
	switch v := ctx["token_budget"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
