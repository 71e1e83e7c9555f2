// Package redisstore is the Redis-backed storage backend: every
// multi-step operation (check-then-write) is a single Lua script so it
// stays atomic across the fleet of processes sharing the same Redis,
// the same correctness property the in-process memstore gets for free
// from its mutex (spec §4.D).
//
// Bucket math (the "now" each script reasons about) is computed in Go
// from the injected clock and passed in as a script argument rather
// than read from Redis's own clock, so tests can drive an rclock.Mock
// without needing a frozen Redis server.
package redisstore

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

// Storage is the Redis-backed backend. The zero value is not usable;
// use New.
type Storage struct {
	client goredis.Cmdable
	clock  rclock.Clock
	logger zerolog.Logger
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithClock overrides the time source (tests use this to inject
// rclock.Mock).
func WithClock(c rclock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the zerolog.Logger used for operation diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// New wraps an already-connected Redis client. Per SPEC_FULL.md §6, this
// package never parses connection URIs or manages transport setup —
// callers construct the goredis.Cmdable (a *goredis.Client or
// *goredis.ClusterClient) themselves.
func New(client goredis.Cmdable, opts ...Option) *Storage {
	s := &Storage{
		client: client,
		clock:  rclock.New(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// incrScript increments a counter key, setting its expiry on creation
// always, and refreshing it on every write when elastic is true.
var incrScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local elastic = tonumber(ARGV[3])

local exists = redis.call('EXISTS', key)
local value = redis.call('INCRBY', key, amount)

if exists == 0 then
	redis.call('EXPIRE', key, expiry)
elseif elastic == 1 then
	redis.call('EXPIRE', key, expiry)
end

return value
`)

// Incr implements storage.Counter.
func (s *Storage) Incr(ctx context.Context, key string, expirySeconds int64, elasticExpiry bool, amount int64) (int64, error) {
	elastic := 0
	if elasticExpiry {
		elastic = 1
	}
	v, err := incrScript.Run(ctx, s.client, []string{key}, amount, expirySeconds, elastic).Int64()
	if err != nil {
		return 0, &storage.StorageError{Backend: "redis", Operation: "incr", Key: key, Err: err}
	}
	return v, nil
}

// decrScript subtracts amount from key, clamped at 0, and never creates
// a key that doesn't already exist.
var decrScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return 0
end

local value = redis.call('DECRBY', key, amount)
if value < 0 then
	redis.call('SET', key, 0, 'KEEPTTL')
	return 0
end
return value
`)

// Decr implements storage.Counter.
func (s *Storage) Decr(ctx context.Context, key string, amount int64) (int64, error) {
	v, err := decrScript.Run(ctx, s.client, []string{key}, amount).Int64()
	if err != nil {
		return 0, &storage.StorageError{Backend: "redis", Operation: "decr", Key: key, Err: err}
	}
	return v, nil
}

// Get implements storage.Counter.
func (s *Storage) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &storage.StorageError{Backend: "redis", Operation: "get", Key: key, Err: err}
	}
	return v, nil
}

// GetExpiry implements storage.Counter.
func (s *Storage) GetExpiry(ctx context.Context, key string) (int64, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, &storage.StorageError{Backend: "redis", Operation: "ttl", Key: key, Err: err}
	}
	now := s.clock.NowSeconds()
	if ttl < 0 {
		return int64(now), nil
	}
	return int64(now + ttl.Seconds()), nil
}

// Clear implements storage.Counter.
func (s *Storage) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key, movingWindowKey(key), currentBucketKey(key), previousBucketKey(key)).Err(); err != nil {
		return &storage.StorageError{Backend: "redis", Operation: "del", Key: key, Err: err}
	}
	return nil
}

// Check implements storage.Counter.
func (s *Storage) Check(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Reset implements storage.Counter. Redis has no per-caller keyspace, so
// a full Reset is deliberately unsupported here: scanning and deleting
// every key visible to this client would delete unrelated keyspace
// sharing the same Redis. Callers that need this should namespace their
// own keys and SCAN themselves.
func (s *Storage) Reset(_ context.Context) (int64, bool, error) {
	s.logger.Warn().Msg("redisstore: Reset is not supported, Redis keyspace is not self-describing")
	return 0, false, nil
}

// movingWindowKey is the sorted-set key backing AcquireEntry/GetMovingWindow.
func movingWindowKey(key string) string { return key + "/zset" }

func currentBucketKey(key string) string  { return key + "/current" }
func previousBucketKey(key string) string { return key + "/previous" }

// acquireEntryScript trims entries older than cutoff, and if the
// remaining count plus amount does not exceed limit, adds amount
// uniquely-keyed members at score=now.
var acquireEntryScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local amount = tonumber(ARGV[4])
local expiry = tonumber(ARGV[5])
local member_prefix = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
local count = redis.call('ZCARD', key)

if count + amount > limit then
	return 0
end

for i = 1, amount do
	redis.call('ZADD', key, now, member_prefix .. ':' .. i)
end
redis.call('EXPIRE', key, expiry)
return 1
`)

// AcquireEntry implements storage.MovingWindow.
func (s *Storage) AcquireEntry(ctx context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)
	zkey := movingWindowKey(key)
	memberPrefix := uuid.NewString()

	v, err := acquireEntryScript.Run(ctx, s.client, []string{zkey},
		limit, cutoff, now, amount, expirySeconds, memberPrefix).Int64()
	if err != nil {
		return false, &storage.StorageError{Backend: "redis", Operation: "acquire_entry", Key: key, Err: err}
	}
	return v == 1, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Storage) GetMovingWindow(ctx context.Context, key string, _ int64, expirySeconds int64) (float64, int64, error) {
	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)
	zkey := movingWindowKey(key)

	if err := s.client.ZRemRangeByScore(ctx, zkey, "-inf", "("+strconv.FormatFloat(cutoff, 'f', -1, 64)).Err(); err != nil {
		return now, 0, &storage.StorageError{Backend: "redis", Operation: "zremrangebyscore", Key: key, Err: err}
	}

	count, err := s.client.ZCard(ctx, zkey).Result()
	if err != nil {
		return now, 0, &storage.StorageError{Backend: "redis", Operation: "zcard", Key: key, Err: err}
	}
	if count == 0 {
		return now, 0, nil
	}

	oldest, err := s.client.ZRangeWithScores(ctx, zkey, 0, 0).Result()
	if err != nil {
		return now, 0, &storage.StorageError{Backend: "redis", Operation: "zrange", Key: key, Err: err}
	}
	if len(oldest) == 0 {
		return now, count, nil
	}
	return oldest[0].Score, count, nil
}

// slidingWindowScript mirrors the two-bucket weighted counter: it reads
// the previous and current buckets, computes the decayed weight of the
// previous bucket, and conditionally increments the current bucket —
// all as a single round trip so no other process can observe or
// interleave a write between the read and the increment.
var slidingWindowScript = goredis.NewScript(`
local current_key = KEYS[1]
local previous_key = KEYS[2]
local limit = tonumber(ARGV[1])
local weight_prev = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
local expiry = tonumber(ARGV[4])

local prev = tonumber(redis.call('GET', previous_key)) or 0
local curr = tonumber(redis.call('GET', current_key)) or 0

local weighted = math.floor(prev * weight_prev) + curr

if weighted + amount > limit then
	return 0
end

redis.call('INCRBY', current_key, amount)
redis.call('EXPIRE', current_key, expiry * 2)
return 1
`)

// AcquireSlidingWindowEntry implements storage.SlidingWindowCounter.
func (s *Storage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.NowSeconds()
	bucketIndex := int64(now) / expirySeconds
	elapsedInCurrent := now - float64(bucketIndex)*float64(expirySeconds)
	weightPrev := 1 - elapsedInCurrent/float64(expirySeconds)

	currentKey := key + "/bucket/" + strconv.FormatInt(bucketIndex, 10)
	previousKey := key + "/bucket/" + strconv.FormatInt(bucketIndex-1, 10)

	v, err := slidingWindowScript.Run(ctx, s.client, []string{currentKey, previousKey},
		limit, weightPrev, amount, expirySeconds).Int64()
	if err != nil {
		return false, &storage.StorageError{Backend: "redis", Operation: "acquire_sliding_window_entry", Key: key, Err: err}
	}
	return v == 1, nil
}

// GetSlidingWindow implements storage.SlidingWindowCounter.
func (s *Storage) GetSlidingWindow(ctx context.Context, key string, expirySeconds int64) (int64, int64, int64, int64, error) {
	now := s.clock.NowSeconds()
	bucketIndex := int64(now) / expirySeconds
	currentKey := key + "/bucket/" + strconv.FormatInt(bucketIndex, 10)
	previousKey := key + "/bucket/" + strconv.FormatInt(bucketIndex-1, 10)

	currCount, currTTL, err := s.counterAndTTL(ctx, currentKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	prevCount, prevTTL, err := s.counterAndTTL(ctx, previousKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return prevCount, prevTTL, currCount, currTTL, nil
}

func (s *Storage) counterAndTTL(ctx context.Context, key string) (int64, int64, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return 0, 0, &storage.StorageError{Backend: "redis", Operation: "pipeline_get_ttl", Key: key, Err: err}
	}

	count, err := getCmd.Int64()
	if err == goredis.Nil {
		count = 0
	} else if err != nil {
		return 0, 0, &storage.StorageError{Backend: "redis", Operation: "get", Key: key, Err: err}
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		return count, 0, nil
	}
	return count, int64(ttl.Seconds()), nil
}

var (
	_ storage.Counter              = (*Storage)(nil)
	_ storage.MovingWindow         = (*Storage)(nil)
	_ storage.SlidingWindowCounter = (*Storage)(nil)
)
