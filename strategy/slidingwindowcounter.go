package strategy

import (
	"context"
	"math"
	"time"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

const strategyTagSlidingWindowCounter = "swc"

// SlidingWindowCounter weighs two adjacent fixed buckets by fractional
// overlap with the trailing window, bounding both counter storage (two
// integers per key) and the 2x edge burst fixed-window allows. It is the
// production default (spec §4.I rationale).
type SlidingWindowCounter struct {
	storage storage.SlidingWindowCounter
	clock   rclock.Clock
}

// NewSlidingWindowCounter constructs a SlidingWindowCounter strategy.
// Only backends able to support the sliding-window atomicity requirement
// (storage.SlidingWindowCounter) qualify.
func NewSlidingWindowCounter(s storage.SlidingWindowCounter, clock rclock.Clock) *SlidingWindowCounter {
	return &SlidingWindowCounter{storage: s, clock: clockOf(clock)}
}

// Hit admits cost units iff the weighted count across the previous and
// current buckets, plus cost, would not exceed limit.Amount. The backend
// computes the weighted count and the conditional increment as a single
// atomic unit.
func (sw *SlidingWindowCounter) Hit(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	key := identity.Key(strategyTagSlidingWindowCounter, limit)
	return sw.storage.AcquireSlidingWindowEntry(ctx, key, limit.Amount, limit.WindowSeconds(), cost)
}

// Test reports whether a Hit of cost would currently be admitted,
// without mutating any state.
func (sw *SlidingWindowCounter) Test(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error) {
	weighted, _, err := sw.weighted(ctx, limit, identity)
	if err != nil {
		return false, err
	}
	return weighted+cost <= limit.Amount, nil
}

// GetWindowStats returns the remaining capacity and a reset time: now
// plus the time already elapsed in the current bucket when the previous
// bucket has a count, otherwise the end of the current bucket.
func (sw *SlidingWindowCounter) GetWindowStats(ctx context.Context, limit Limit, identity Identity) (WindowStats, error) {
	weighted, prevCount, err := sw.weighted(ctx, limit, identity)
	if err != nil {
		return WindowStats{}, err
	}

	remaining := limit.Amount - weighted
	if remaining < 0 {
		remaining = 0
	}

	now := sw.clock.Now()
	W := limit.Window
	elapsed := elapsedInCurrentBucket(now, W)

	var resetAt time.Time
	if prevCount > 0 {
		weightPrev := 1 - float64(elapsed)/float64(W)
		resetAt = now.Add(time.Duration(float64(W) * (1 - weightPrev)))
	} else {
		resetAt = now.Add(W - elapsed)
	}
	return WindowStats{ResetAt: resetAt, Remaining: remaining}, nil
}

// weighted computes floor(previous_count * weight_prev) + current_count
// for the current instant (spec §4.I).
func (sw *SlidingWindowCounter) weighted(ctx context.Context, limit Limit, identity Identity) (weighted, prevCount int64, err error) {
	key := identity.Key(strategyTagSlidingWindowCounter, limit)
	prevCount, _, currCount, _, err := sw.storage.GetSlidingWindow(ctx, key, limit.WindowSeconds())
	if err != nil {
		return 0, 0, err
	}

	W := limit.Window
	elapsed := elapsedInCurrentBucket(sw.clock.Now(), W)
	weightPrev := 1 - float64(elapsed)/float64(W)

	weighted = int64(math.Floor(float64(prevCount)*weightPrev)) + currCount
	return weighted, prevCount, nil
}

// elapsedInCurrentBucket returns how far into the current W-second
// bucket `now` falls (i.e. now mod W).
func elapsedInCurrentBucket(now time.Time, w time.Duration) time.Duration {
	return time.Duration(now.UnixNano() % w.Nanoseconds())
}
