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

func TestFixedWindow_S1_BurstAtBoundary(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	fw := strategy.NewFixedWindow(store, clk)

	limit := strategy.Limit{Amount: 3, Window: 10 * time.Second, GranularityName: "per_10s"}
	id := strategy.Identity{Namespace: "user", Parts: []string{"alice"}}
	ctx := context.Background()

	var got []bool
	for i := 0; i < 4; i++ {
		ok, err := fw.Hit(ctx, limit, id, 1)
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{true, true, true, false}, got)

	clk.Advance(10*time.Second + time.Millisecond)
	ok, err := fw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFixedWindow_TestDoesNotMutate(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	fw := strategy.NewFixedWindow(store, clk)
	limit := strategy.Limit{Amount: 2, Window: time.Second, GranularityName: "per_sec"}
	id := strategy.Identity{Namespace: "ip", Parts: []string{"1.2.3.4"}}
	ctx := context.Background()

	ok, err := fw.Test(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fw.Test(ctx, limit, id, 1)
	require.NoError(t, err)
	assert.True(t, ok, "Test must not consume capacity")

	_, err = fw.Hit(ctx, limit, id, 1)
	require.NoError(t, err)
	stats, err := fw.GetWindowStats(ctx, limit, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Remaining)
}

func TestFixedWindow_CrossKeyIsolation_S6(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	fw := strategy.NewFixedWindow(store, clk)
	limit := strategy.Limit{Amount: 1, Window: time.Second, GranularityName: "per_sec"}
	ctx := context.Background()

	ok, err := fw.Hit(ctx, limit, strategy.Identity{Namespace: "a"}, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fw.Hit(ctx, limit, strategy.Identity{Namespace: "b"}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
