package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ratekeep/ratekeep/internal/rclock"
)

func TestBucketKey_IncludesIndex(t *testing.T) {
	assert.Equal(t, "limit/bucket/5", bucketKey("limit", 5))
	assert.Equal(t, "limit/bucket/-1", bucketKey("limit", -1))
}

// mongoURI returns a live MongoDB connection string to test against, or
// skips: these tests need a real server to exercise FindOneAndUpdate
// pipeline updates, which no lightweight in-process fake replicates
// faithfully.
func mongoURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping live MongoDB integration test")
	}
	return uri
}

func newTestStorage(t *testing.T) (*Storage, *rclock.Mock) {
	t.Helper()
	uri := mongoURI(t)
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("ratekeep_test")
	clk := rclock.NewMock(time.Unix(0, 0))
	s := New(db, WithClock(clk))
	require.NoError(t, s.EnsureIndexes(ctx))
	return s, clk
}

func TestIncr_ResetsAfterLogicalExpiry(t *testing.T) {
	s, clk := newTestStorage(t)
	ctx := context.Background()
	key := "ratekeep-test-incr"
	_ = s.Clear(ctx, key)

	v, err := s.Incr(ctx, key, 60, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	clk.Advance(61 * time.Second)

	v, err = s.Incr(ctx, key, 60, false, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "counter should reset after its logical window passed")
}

func TestAcquireEntry_RejectsOverLimit(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	key := "ratekeep-test-entries"
	_ = s.Clear(ctx, key)

	for i := 0; i < 2; i++ {
		ok, err := s.AcquireEntry(ctx, key, 2, 60, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := s.AcquireEntry(ctx, key, 2, 60, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireSlidingWindowEntry_WeightsPreviousBucket(t *testing.T) {
	s, clk := newTestStorage(t)
	ctx := context.Background()
	key := "ratekeep-test-swc"
	_ = s.Clear(ctx, key)

	for i := 0; i < 10; i++ {
		ok, err := s.AcquireSlidingWindowEntry(ctx, key, 10, 60, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	clk.Advance(60500 * time.Millisecond)

	ok, err := s.AcquireSlidingWindowEntry(ctx, key, 10, 60, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireSlidingWindowEntry(ctx, key, 10, 60, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
