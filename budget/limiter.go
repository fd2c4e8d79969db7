package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/scttfrdmn/thoughtsearch/middleware"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

// Actions taken when a budget is exhausted.
const (
	// ActionError refuses further calls with a BudgetExceededError.
	ActionError = "error"
	// ActionWarning logs once per exhausted budget and lets calls through.
	ActionWarning = "warning"
)

// Budget scopes.
const (
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// BudgetExceededError is returned when a call is refused because a budget
// is spent.
type BudgetExceededError struct {
	Scope     string
	SessionID string
	Unit      string
	Limit     float64
	Current   float64
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	if e.Unit == "tokens" {
		return fmt.Sprintf("%s budget of %.0f tokens exceeded (used %.0f)", e.Scope, e.Limit, e.Current)
	}
	return fmt.Sprintf("%s budget of $%.4f exceeded (spent $%.4f)", e.Scope, e.Limit, e.Current)
}

// IsBudgetExceeded reports whether err is or wraps a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var budgetErr *BudgetExceededError
	return errors.As(err, &budgetErr)
}

// BudgetLimiterConfig configures a BudgetLimiter. Zero limits are unlimited.
type BudgetLimiterConfig struct {
	SessionTokens int
	SessionCost   float64
	GlobalTokens  int
	GlobalCost    float64

	// Action is ActionError (default) or ActionWarning.
	Action string

	// Logger receives warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Enabled reports whether any limit is set.
func (c BudgetLimiterConfig) Enabled() bool {
	return c.SessionTokens > 0 || c.SessionCost > 0 || c.GlobalTokens > 0 || c.GlobalCost > 0
}

// BudgetLimiter checks a CostTracker before every generation call.
//
// Spending is only known after a call returns, so the limit is checked
// against what was spent before the call: a search may overshoot a budget
// by the calls already in flight when it ran out.
//
// Example:
//
//	tracker := budget.NewCostTracker(nil, nil)
//	limiter, _ := budget.NewBudgetLimiter(tracker, budget.BudgetLimiterConfig{
//	    SessionTokens: 50_000,
//	})
//	gen := middleware.Chain(base, limiter.Middleware())
type BudgetLimiter struct {
	tracker *CostTracker
	config  BudgetLimiterConfig
	warned  sync.Map
}

// NewBudgetLimiter creates a limiter over tracker.
func NewBudgetLimiter(tracker *CostTracker, config BudgetLimiterConfig) (*BudgetLimiter, error) {
	if tracker == nil {
		return nil, errors.New("budget limiter requires a cost tracker")
	}
	switch config.Action {
	case "":
		config.Action = ActionError
	case ActionError, ActionWarning:
	default:
		return nil, fmt.Errorf("action must be %q or %q, got %q", ActionError, ActionWarning, config.Action)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &BudgetLimiter{tracker: tracker, config: config}, nil
}

// Check returns a BudgetExceededError when the session in ctx or the
// process as a whole has spent its budget. With ActionWarning it logs
// instead and returns nil.
func (l *BudgetLimiter) Check(ctx context.Context) error {
	sessionID, ok := thought.SessionFromContext(ctx)
	if !ok {
		sessionID = DefaultSession
	}

	if l.config.SessionTokens > 0 || l.config.SessionCost > 0 {
		usage, err := l.tracker.SessionUsage(ctx, sessionID)
		if err != nil {
			return err
		}
		if exceeded := l.exceeded(ScopeSession, sessionID, usage, l.config.SessionTokens, l.config.SessionCost); exceeded != nil {
			return l.handle(ctx, exceeded)
		}
	}

	if l.config.GlobalTokens > 0 || l.config.GlobalCost > 0 {
		usage, err := l.tracker.GlobalUsage(ctx)
		if err != nil {
			return err
		}
		if exceeded := l.exceeded(ScopeGlobal, "", usage, l.config.GlobalTokens, l.config.GlobalCost); exceeded != nil {
			return l.handle(ctx, exceeded)
		}
	}
	return nil
}

func (l *BudgetLimiter) exceeded(scope, sessionID string, usage thought.Usage, tokens int, cost float64) *BudgetExceededError {
	if tokens > 0 && usage.TotalTokens >= tokens {
		return &BudgetExceededError{
			Scope: scope, SessionID: sessionID, Unit: "tokens",
			Limit: float64(tokens), Current: float64(usage.TotalTokens),
		}
	}
	if cost > 0 && usage.Cost >= cost {
		return &BudgetExceededError{
			Scope: scope, SessionID: sessionID, Unit: "usd",
			Limit: cost, Current: usage.Cost,
		}
	}
	return nil
}

func (l *BudgetLimiter) handle(ctx context.Context, exceeded *BudgetExceededError) error {
	if l.config.Action == ActionError {
		return exceeded
	}
	key := exceeded.Scope + "/" + exceeded.SessionID + "/" + exceeded.Unit
	if _, seen := l.warned.LoadOrStore(key, struct{}{}); !seen {
		l.config.Logger.WarnContext(ctx, "budget exceeded",
			"scope", exceeded.Scope,
			"session_id", exceeded.SessionID,
			"limit", exceeded.Limit,
			"current", exceeded.Current,
			"unit", exceeded.Unit,
		)
	}
	return nil
}

// Remaining is what is left of each budget. Nil fields are unlimited.
type Remaining struct {
	SessionTokens *int     `json:"session_tokens,omitempty"`
	SessionCost   *float64 `json:"session_cost,omitempty"`
	GlobalTokens  *int     `json:"global_tokens,omitempty"`
	GlobalCost    *float64 `json:"global_cost,omitempty"`
}

// Remaining returns what is left of each configured budget for sessionID.
func (l *BudgetLimiter) Remaining(ctx context.Context, sessionID string) (Remaining, error) {
	var remaining Remaining

	session, err := l.tracker.SessionUsage(ctx, sessionID)
	if err != nil {
		return remaining, err
	}
	global, err := l.tracker.GlobalUsage(ctx)
	if err != nil {
		return remaining, err
	}

	if l.config.SessionTokens > 0 {
		v := max(0, l.config.SessionTokens-session.TotalTokens)
		remaining.SessionTokens = &v
	}
	if l.config.SessionCost > 0 {
		v := max(0, l.config.SessionCost-session.Cost)
		remaining.SessionCost = &v
	}
	if l.config.GlobalTokens > 0 {
		v := max(0, l.config.GlobalTokens-global.TotalTokens)
		remaining.GlobalTokens = &v
	}
	if l.config.GlobalCost > 0 {
		v := max(0, l.config.GlobalCost-global.Cost)
		remaining.GlobalCost = &v
	}
	return remaining, nil
}

// Middleware returns a Middleware checking the budgets before every call.
func (l *BudgetLimiter) Middleware() middleware.Middleware {
	return func(next middleware.Generator) middleware.Generator {
		return &budgetLimitedGenerator{next: next, limiter: l}
	}
}

type budgetLimitedGenerator struct {
	next    middleware.Generator
	limiter *BudgetLimiter
}

func (g *budgetLimitedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := g.limiter.Check(ctx); err != nil {
		return "", err
	}
	return g.next.Generate(ctx, prompt)
}

func (g *budgetLimitedGenerator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	if err := g.limiter.Check(ctx); err != nil {
		return nil, err
	}
	return g.next.GenerateStructured(ctx, prompt, schema)
}
