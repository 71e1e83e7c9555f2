package strategy

import "context"

// Strategy is the common shape of FixedWindow, MovingWindow and
// SlidingWindowCounter: construct over a storage capability, then call
// Hit/Test/GetWindowStats with no further state threading. The root
// package's Limiter wraps any Strategy uniformly.
type Strategy interface {
	Hit(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error)
	Test(ctx context.Context, limit Limit, identity Identity, cost int64) (bool, error)
	GetWindowStats(ctx context.Context, limit Limit, identity Identity) (WindowStats, error)
}

var (
	_ Strategy = (*FixedWindow)(nil)
	_ Strategy = (*MovingWindow)(nil)
	_ Strategy = (*SlidingWindowCounter)(nil)
)
