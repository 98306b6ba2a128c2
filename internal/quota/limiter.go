// Package quota enforces per-user daily message limits by subscription tier.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// Unlimited is the daily limit of tiers that are never counted.
const Unlimited = -1

// Subscription tiers.
const (
	TierFree     = "free"
	TierBasic    = "basic"
	TierPremium  = "premium"
	TierPro      = "pro"
	TierLifetime = "lifetime"
)

// DefaultTierLimits maps each tier to its daily message limit.
var DefaultTierLimits = map[string]int{
	TierFree:     20,
	TierBasic:    200,
	TierPremium:  500,
	TierPro:      Unlimited,
	TierLifetime: Unlimited,
}

const topic = "quota"

// ErrQuotaExceeded matches every *ExceededError.
var ErrQuotaExceeded = errors.New("daily message quota exceeded")

// ExceededError reports the limit a refused user hit.
type ExceededError struct {
	Limit int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily message limit of %d reached", e.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Usage is the read-only view returned by Remaining.
type Usage struct {
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"` // -1 = unlimited
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"` // -1 = unlimited
	ResetDate string `json:"resetDate"`
}

// Limiter checks and counts messages against TierLimits.
type Limiter struct {
	store  store.Store
	limits map[string]int
	now    func() time.Time
}

// NewLimiter builds a limiter. overrides replace individual entries of
// DefaultTierLimits.
func NewLimiter(st store.Store, overrides map[string]int) *Limiter {
	limits := make(map[string]int, len(DefaultTierLimits)+len(overrides))
	for tier, n := range DefaultTierLimits {
		limits[tier] = n
	}
	for tier, n := range overrides {
		limits[strings.ToLower(tier)] = n
	}
	return &Limiter{store: st, limits: limits, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// LimitFor resolves a tier's daily limit. Unknown tiers get the free limit.
func (l *Limiter) LimitFor(tier string) int {
	if n, ok := l.limits[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return n
	}
	return l.limits[TierFree]
}

// CheckAndIncrement counts one message for userID, or returns an
// *ExceededError without writing when the tier's limit is reached.
// Exempt calls are neither checked nor counted.
func (l *Limiter) CheckAndIncrement(ctx context.Context, userID, tier string, exempt bool) error {
	if exempt {
		L_trace("quota: exempt call", "user", userID)
		return nil
	}
	limit := l.LimitFor(tier)
	if limit == Unlimited {
		MetricOutcome(topic, "check", "unlimited")
		return nil
	}

	count, ok, err := l.store.IncrementUsageIfBelow(ctx, userID, types.DayKey(l.now()), limit)
	if err != nil {
		MetricFailWithReason(topic, "check", "store")
		return fmt.Errorf("quota check failed: %w", err)
	}
	if !ok {
		MetricOutcome(topic, "check", "refused")
		L_info("quota: limit reached", "user", userID, "tier", tier, "limit", limit)
		return &ExceededError{Limit: limit}
	}
	MetricOutcome(topic, "check", "allowed")
	L_debug("quota: counted", "user", userID, "tier", tier, "count", count, "limit", limit)
	return nil
}

// Remaining reports today's usage for userID without counting anything.
func (l *Limiter) Remaining(ctx context.Context, userID, tier string) (Usage, error) {
	today := types.DayKey(l.now())
	u := Usage{Tier: tier, Limit: l.LimitFor(tier), ResetDate: today}

	counter, err := l.store.LoadUsage(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Usage{}, fmt.Errorf("load usage failed: %w", err)
	case counter.ResetDate == today:
		u.Used = counter.MessagesToday
	}

	if u.Limit == Unlimited {
		u.Remaining = Unlimited
	} else {
		u.Remaining = max(u.Limit-u.Used, 0)
	}
	return u, nil
}
