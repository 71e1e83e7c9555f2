package strategy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage/memstore"
	"github.com/ratekeep/ratekeep/strategy"
)

func TestSlidingWindowCounter_S3_Transition(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	sw := strategy.NewSlidingWindowCounter(store, clk)
	limit := strategy.Limit{Amount: 10, Window: 60 * time.Second, GranularityName: "per_min"}
	id := strategy.Identity{Namespace: "api"}
	ctx := context.Background()

	clk.Advance(30 * time.Second)
	for i := 0; i < 10; i++ {
		ok, err := sw.Hit(ctx, limit, id, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	clk.Set(time.Unix(60, 500_000_000))
	ok, err := sw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok, "weighted = floor(10*(1-0.5/60)) = 9")

	ok, err = sw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.False(t, ok, "weighted = 9+1 = 10, at capacity")
}

func TestSlidingWindowCounter_NeverExceedsLimit_Invariant4(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	sw := strategy.NewSlidingWindowCounter(store, clk)
	limit := strategy.Limit{Amount: 5, Window: 10 * time.Second, GranularityName: "per_10s"}
	id := strategy.Identity{Namespace: "k"}
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ok, err := sw.Hit(ctx, limit, id, 1)
		require.NoError(t, err)
		weighted, _, err := testWeighted(ctx, sw, limit, id)
		require.NoError(t, err)
		if ok {
			assert.LessOrEqual(t, weighted, limit.Amount)
		}
		clk.AdvanceSeconds(0.3)
	}
}

// testWeighted exposes the unexported weighting computation indirectly
// via GetWindowStats so the invariant check doesn't need a second
// reflection-based helper: remaining = max(0, limit - weighted), so the
// value returned here is min(weighted, limit).
func testWeighted(ctx context.Context, sw *strategy.SlidingWindowCounter, limit strategy.Limit, id strategy.Identity) (int64, int64, error) {
	stats, err := sw.GetWindowStats(ctx, limit, id)
	if err != nil {
		return 0, 0, err
	}
	return limit.Amount - stats.Remaining, 0, nil
}
