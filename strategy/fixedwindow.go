package strategy

import (
	"context"
	"time"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

// strategyTagFixed is the key-namespace segment for this strategy
// (spec §6: strategy_tag ∈ {fixed, mw, swc}).
const strategyTagFixed = "fixed"

// FixedWindow counts arrivals per (key, window_start) and admits while
// the count is at or below the limit. The counter is never rolled back
// on denial: it tracks observed arrival rate, not admitted rate (spec
// §4.G, intentional).
type FixedWindow struct {
	storage storage.Counter
	clock   rclock.Clock
}

// NewFixedWindow constructs a FixedWindow strategy over any backend that
// implements storage.Counter — every backend qualifies.
func NewFixedWindow(s storage.Counter, clock rclock.Clock) *FixedWindow {
	return &FixedWindow{storage: s, clock: clockOf(clock)}
}

// Hit consumes cost units against limit for identity. It returns true
// iff the post-increment counter is at or below limit.Amount.
func (fw *FixedWindow) Hit(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	key := identity.Key(strategyTagFixed, limit)
	v, err := fw.storage.Incr(ctx, key, limit.WindowSeconds(), false, cost)
	if err != nil {
		return false, err
	}
	return v <= limit.Amount, nil
}

// Test reports whether a Hit of cost would currently be admitted,
// without mutating any state.
func (fw *FixedWindow) Test(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	key := identity.Key(strategyTagFixed, limit)
	v, err := fw.storage.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v+cost <= limit.Amount, nil
}

// GetWindowStats returns when the window resets and how many units
// remain, without mutating any state.
func (fw *FixedWindow) GetWindowStats(ctx context.Context, limit Limit, identity Identity) (WindowStats, error) {
	key := identity.Key(strategyTagFixed, limit)
	expiry, err := fw.storage.GetExpiry(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	used, err := fw.storage.Get(ctx, key)
	if err != nil {
		return WindowStats{}, err
	}
	remaining := limit.Amount - used
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{
		ResetAt:   time.Unix(expiry, 0),
		Remaining: remaining,
	}, nil
}
