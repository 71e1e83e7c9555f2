package ratekeep_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratekeep/ratekeep"
	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage/memstore"
	"github.com/ratekeep/ratekeep/strategy"
)

func TestLimiter_AllowAndCallbacks(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	fw := strategy.NewFixedWindow(store, clk)
	limit := ratekeep.Limit{Amount: 1, Window: time.Second, GranularityName: "per_sec"}

	var allowedCalls, deniedCalls int
	limiter := ratekeep.NewLimiter(limit, fw,
		ratekeep.OnAllow(func(ratekeep.HitInfo) { allowedCalls++ }),
		ratekeep.OnDeny(func(ratekeep.HitInfo) { deniedCalls++ }),
	)

	ctx := context.Background()
	id := ratekeep.Identity{Namespace: "user", Parts: []string{"1"}}

	ok, err := limiter.Allow(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, allowedCalls)
	assert.Equal(t, 1, deniedCalls)
}

func TestLimiter_TestDoesNotConsume(t *testing.T) {
	clk := rclock.NewMock(time.Unix(0, 0))
	store := memstore.New(memstore.WithClock(clk))
	mw := strategy.NewMovingWindow(store, clk)
	limit := ratekeep.Limit{Amount: 1, Window: time.Second, GranularityName: "per_sec"}
	limiter := ratekeep.NewLimiter(limit, mw)

	ctx := context.Background()
	id := ratekeep.Identity{Namespace: "k"}

	ok, err := limiter.Test(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = limiter.Test(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
