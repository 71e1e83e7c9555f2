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

func TestMovingWindow_S2_Smoothing(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	mw := strategy.NewMovingWindow(store, clk)
	limit := strategy.Limit{Amount: 2, Window: 2 * time.Second, GranularityName: "per_2s"}
	id := strategy.Identity{Namespace: "user", Parts: []string{"bob"}}
	ctx := context.Background()

	ok, err := mw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.AdvanceSeconds(0.5)
	ok, err = mw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.AdvanceSeconds(0.5) // t=1.0
	ok, err = mw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.AdvanceSeconds(1.1) // t=2.1, entry@0 expired
	ok, err = mw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMovingWindow_Exactness_Invariant3(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	mw := strategy.NewMovingWindow(store, clk)
	limit := strategy.Limit{Amount: 5, Window: 3 * time.Second, GranularityName: "per_3s"}
	id := strategy.Identity{Namespace: "global"}
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 20; i++ {
		ok, err := mw.Hit(ctx, limit, id, 1)
		require.NoError(t, err)
		if ok {
			admitted++
		}
		clk.AdvanceSeconds(0.1)
		_, count, err := store.GetMovingWindow(ctx, id.Key("mw", limit), limit.Amount, limit.WindowSeconds())
		require.NoError(t, err)
		assert.LessOrEqual(t, count, limit.Amount)
	}
	assert.Greater(t, admitted, 0)
}

func TestMovingWindow_TestDoesNotMutate(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	mw := strategy.NewMovingWindow(store, clk)
	limit := strategy.Limit{Amount: 1, Window: time.Second, GranularityName: "per_sec"}
	id := strategy.Identity{Namespace: "x"}
	ctx := context.Background()

	ok, err := mw.Test(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mw.Test(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok, "Test must not consume capacity")
}
