package strategy

import (
	"context"
	"time"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

const strategyTagMovingWindow = "mw"

// MovingWindow tracks individual acquisition timestamps and admits a
// request iff fewer than limit.Amount of them fall inside the trailing
// window. Unlike FixedWindow, admission is exact: the storage backend
// guarantees the read-check-write is atomic, so no compensating
// decrement is ever needed on denial (spec §4.H).
type MovingWindow struct {
	storage storage.MovingWindow
	clock   rclock.Clock
}

// NewMovingWindow constructs a MovingWindow strategy. Only backends able
// to support the moving-window atomicity requirement (storage.MovingWindow)
// qualify.
func NewMovingWindow(s storage.MovingWindow, clock rclock.Clock) *MovingWindow {
	return &MovingWindow{storage: s, clock: clockOf(clock)}
}

// Hit admits cost units iff doing so would not exceed limit.Amount live
// entries in the trailing limit.Window.
func (mw *MovingWindow) Hit(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	key := identity.Key(strategyTagMovingWindow, limit)
	return mw.storage.AcquireEntry(ctx, key, limit.Amount, limit.WindowSeconds(), cost)
}

// Test reports whether a Hit of cost would currently be admitted,
// without mutating any state.
func (mw *MovingWindow) Test(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	key := identity.Key(strategyTagMovingWindow, limit)
	_, count, err := mw.storage.GetMovingWindow(ctx, key, limit.Amount, limit.WindowSeconds())
	if err != nil {
		return false, err
	}
	return count+cost <= limit.Amount, nil
}

// GetWindowStats returns when the oldest live entry falls out of the
// window and how many units remain.
func (mw *MovingWindow) GetWindowStats(ctx context.Context, limit Limit, identity Identity) (WindowStats, error) {
	key := identity.Key(strategyTagMovingWindow, limit)
	earliest, count, err := mw.storage.GetMovingWindow(ctx, key, limit.Amount, limit.WindowSeconds())
	if err != nil {
		return WindowStats{}, err
	}

	var resetAt time.Time
	if count == 0 {
		resetAt = mw.clock.Now()
	} else {
		resetAt = time.Unix(0, int64(earliest*float64(time.Second))).Add(limit.Window)
	}

	remaining := limit.Amount - count
	if remaining < 0 {
		remaining = 0
	}
	return WindowStats{ResetAt: resetAt, Remaining: remaining}, nil
}
