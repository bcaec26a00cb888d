// Package admission gates requests before any costly work happens.
//
// One Admit call folds the key's own state, the rate limiter, and the budget
// ledger into a single allow/deny decision with a stable reason code. Checks
// run cheapest first: purely local key state (active, expiry) before anything
// that touches shared counters, so requests doomed to rejection never add
// counter contention.
package admission

import (
	"context"
	"time"

	"github.com/tessellate-io/ai-gateway/internal/auth"
	"github.com/tessellate-io/ai-gateway/internal/budget"
	"github.com/tessellate-io/ai-gateway/internal/ratelimit"
)

// Reason is the machine-readable admission outcome surfaced to callers.
type Reason string

const (
	Allowed           Reason = "ALLOWED"
	KeyInactive       Reason = "KEY_INACTIVE"
	KeyExpired        Reason = "KEY_EXPIRED"
	RateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
	BudgetExceeded    Reason = "BUDGET_EXCEEDED"
)

// Decision is the result of one Admit call.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Detail distinguishes sub-causes (e.g. daily vs monthly budget) for
	// human-readable messages; empty when Allowed.
	Detail string
}

// Defaults are the fallback limiter/ledger parameters applied when a key
// does not carry its own.
type Defaults struct {
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	DailyBudgetUsd     *float64
	MonthlyBudgetUsd   *float64
}

// Controller orchestrates the admission checks.
type Controller struct {
	limiter  ratelimit.Limiter
	ledger   *budget.Ledger
	defaults Defaults
	now      func() time.Time // injectable clock for tests
}

// NewController creates a Controller. limiter and ledger may be nil, which
// disables the corresponding check.
func NewController(limiter ratelimit.Limiter, ledger *budget.Ledger, defaults Defaults) *Controller {
	return &Controller{
		limiter:  limiter,
		ledger:   ledger,
		defaults: defaults,
		now:      time.Now,
	}
}

// Admit decides whether a request under key with the given conservative
// cost estimate may proceed. Short-circuits on the first failing check.
func (c *Controller) Admit(ctx context.Context, key *auth.ApiKeyContext, estCostUsd float64) Decision {
	if !key.IsActive {
		return Decision{Reason: KeyInactive, Detail: "API key is deactivated"}
	}

	if key.Expired(c.now()) {
		return Decision{Reason: KeyExpired, Detail: "API key has expired"}
	}

	if c.limiter != nil {
		limit := key.RateLimitPerWindow
		if limit == 0 {
			limit = c.defaults.RateLimitPerWindow
		}
		allowed, err := c.limiter.Allow(ctx, key.ID, limit, c.defaults.RateLimitWindow)
		if err == nil && !allowed {
			return Decision{Reason: RateLimitExceeded, Detail: "request rate limit exceeded for this key"}
		}
	}

	if c.ledger != nil {
		dailyCap := key.DailyBudgetUsd
		if dailyCap == nil {
			dailyCap = c.defaults.DailyBudgetUsd
		}
		monthlyCap := key.MonthlyBudgetUsd
		if monthlyCap == nil {
			monthlyCap = c.defaults.MonthlyBudgetUsd
		}
		if ok, detail := c.ledger.PreCheck(ctx, key.ID, estCostUsd, dailyCap, monthlyCap); !ok {
			return Decision{Reason: BudgetExceeded, Detail: detail}
		}
	}

	return Decision{Allowed: true, Reason: Allowed}
}
