package budget

import (
	"context"
	"log/slog"
	"time"
)

// Bucket retention: long enough that a cap check near a boundary still sees
// the closing bucket, short enough that stale buckets don't accumulate.
const (
	dayRetention   = 48 * time.Hour
	monthRetention = 40 * 24 * time.Hour
)

// Denial reasons returned by PreCheck.
const (
	DeniedDaily   = "daily_budget_exceeded"
	DeniedMonthly = "monthly_budget_exceeded"
)

// Ledger enforces per-key spend caps in two phases: a conservative PreCheck
// before the upstream call and a Charge with the actual cost after it.
//
// A Charge that lands over a cap is still recorded in full — budgets bound
// future admission, not calls that already happened. The next PreCheck for
// that key will deny.
//
// Store failures fail open with a WARN log: spend caps protect cost, they
// must not take the gateway down with them. Multi-replica deployments that
// need hard guarantees use the RedisStore so all replicas share one ledger.
type Ledger struct {
	store CounterStore
	log   *slog.Logger
	now   func() time.Time // injectable clock for tests
}

// NewLedger creates a Ledger over store. log may be nil.
func NewLedger(store CounterStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, log: log, now: time.Now}
}

// Day and month bucket keys use UTC calendar boundaries so every replica
// agrees on when rollover happens.
func dayBucket(apiKeyID string, t time.Time) string {
	return "spend:day:" + apiKeyID + ":" + t.UTC().Format("2006-01-02")
}

func monthBucket(apiKeyID string, t time.Time) string {
	return "spend:month:" + apiKeyID + ":" + t.UTC().Format("2006-01")
}

// PreCheck reports whether a call with the given conservative cost estimate
// fits under the key's caps. A nil cap means unlimited on that axis.
// Returns the denial reason when not allowed.
func (l *Ledger) PreCheck(ctx context.Context, apiKeyID string, estCostUsd float64, dailyCapUsd, monthlyCapUsd *float64) (bool, string) {
	if dailyCapUsd == nil && monthlyCapUsd == nil {
		return true, ""
	}

	now := l.now()

	if dailyCapUsd != nil {
		day, err := l.store.Get(ctx, dayBucket(apiKeyID, now))
		if err != nil {
			l.warn(ctx, "budget_store_get_error", apiKeyID, err)
			return true, ""
		}
		if day+estCostUsd > *dailyCapUsd {
			return false, DeniedDaily
		}
	}

	if monthlyCapUsd != nil {
		month, err := l.store.Get(ctx, monthBucket(apiKeyID, now))
		if err != nil {
			l.warn(ctx, "budget_store_get_error", apiKeyID, err)
			return true, ""
		}
		if month+estCostUsd > *monthlyCapUsd {
			return false, DeniedMonthly
		}
	}

	return true, ""
}

// Charge records the actual cost of a completed upstream call in both the
// day and month buckets. Never called for cache hits or shared single-flight
// waiters — only the call that actually paid upstream charges.
func (l *Ledger) Charge(ctx context.Context, apiKeyID string, costUsd float64) {
	if costUsd <= 0 {
		return
	}

	now := l.now()

	if _, err := l.store.Add(ctx, dayBucket(apiKeyID, now), costUsd, dayRetention); err != nil {
		l.warn(ctx, "budget_store_add_error", apiKeyID, err)
	}
	if _, err := l.store.Add(ctx, monthBucket(apiKeyID, now), costUsd, monthRetention); err != nil {
		l.warn(ctx, "budget_store_add_error", apiKeyID, err)
	}
}

// Spend returns the key's current day and month totals.
func (l *Ledger) Spend(ctx context.Context, apiKeyID string) (dayUsd, monthUsd float64, err error) {
	now := l.now()
	if dayUsd, err = l.store.Get(ctx, dayBucket(apiKeyID, now)); err != nil {
		return 0, 0, err
	}
	if monthUsd, err = l.store.Get(ctx, monthBucket(apiKeyID, now)); err != nil {
		return 0, 0, err
	}
	return dayUsd, monthUsd, nil
}

func (l *Ledger) warn(ctx context.Context, msg, apiKeyID string, err error) {
	l.log.WarnContext(ctx, msg,
		slog.String("api_key_id", apiKeyID),
		slog.String("error", err.Error()),
	)
}
