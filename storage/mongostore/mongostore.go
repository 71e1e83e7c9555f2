// Package mongostore is the MongoDB-backed storage backend. Every
// write goes through FindOneAndUpdate with an aggregation-pipeline
// update so the "is this counter logically expired" check and the
// write that follows it happen as one server-side round trip — without
// that, a stale value surviving between MongoDB's periodic TTL sweep
// and the document's logical expiresAt would let two readers both
// decide the key is fresh and double-increment it.
//
// Sliding-window-counter's previous-bucket read is the one place this
// backend can't match Redis's single-script atomicity without a
// multi-document transaction (which needs a replica set this package
// doesn't assume): the previous bucket is read with a plain FindOne,
// then the current bucket's conditional increment is still atomic on
// its own. A write landing between the two reads can admit a request
// that an instant later would have been denied — an accepted
// approximation, not a silent bug (see SPEC_FULL.md §9).
package mongostore

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

// defaultMaxWriteConflictRetries is the fallback when no Config/
// WithMaxWriteConflictRetries override is supplied.
const defaultMaxWriteConflictRetries = 5

// counterDoc is the schema of one document in the counters collection.
type counterDoc struct {
	ID        string    `bson:"_id"`
	Value     int64     `bson:"value"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// entryDoc is the schema of one document in the entries collection
// backing the moving-window strategy.
type entryDoc struct {
	ID         string    `bson:"_id"`
	Timestamps []float64 `bson:"timestamps"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// Storage is the MongoDB-backed backend. The zero value is not usable;
// use New.
type Storage struct {
	counters                *mongo.Collection
	entries                 *mongo.Collection
	clock                   rclock.Clock
	logger                  zerolog.Logger
	maxWriteConflictRetries int
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithClock overrides the time source (tests use this to inject
// rclock.Mock).
func WithClock(c rclock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the zerolog.Logger used for write-conflict
// retry diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithMaxWriteConflictRetries overrides how many times upsertWithRetry
// retries a duplicate-key race before giving up with
// storage.ConcurrentUpdateError.
func WithMaxWriteConflictRetries(n int) Option {
	return func(s *Storage) { s.maxWriteConflictRetries = n }
}

// WithConfig applies a loaded Config to a Storage at construction time.
func WithConfig(cfg Config) Option {
	return func(s *Storage) { s.maxWriteConflictRetries = cfg.MaxWriteConflictRetries }
}

// New wraps an already-connected *mongo.Database. Per SPEC_FULL.md §6,
// this package never parses connection URIs itself.
func New(db *mongo.Database, opts ...Option) *Storage {
	s := &Storage{
		counters:                db.Collection("ratekeep_counters"),
		entries:                 db.Collection("ratekeep_entries"),
		clock:                   rclock.New(),
		logger:                  zerolog.Nop(),
		maxWriteConflictRetries: defaultMaxWriteConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the TTL indexes both collections rely on to
// reclaim cold keys. Call this once at startup; it is idempotent.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	ttl := int32(0)
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttl),
	}
	if _, err := s.counters.Indexes().CreateOne(ctx, model); err != nil {
		return &storage.ConfigurationError{Backend: "mongodb", Reason: "create counters TTL index", Err: err}
	}
	if _, err := s.entries.Indexes().CreateOne(ctx, model); err != nil {
		return &storage.ConfigurationError{Backend: "mongodb", Reason: "create entries TTL index", Err: err}
	}
	return nil
}

// incrPipeline atomically resets value to amount (and expiresAt to a
// fresh window) when the document is absent or logically expired, and
// otherwise increments value by amount, refreshing expiresAt only when
// elastic is true.
func incrPipeline(now, newExpiry time.Time, elastic bool, amount int64) mongo.Pipeline {
	expired := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: "$expiresAt"}}, "missing"}}},
		bson.D{{Key: "$lte", Value: bson.A{"$expiresAt", now}}},
	}}}

	valueExpr := bson.D{{Key: "$cond", Value: bson.A{
		expired,
		amount,
		bson.D{{Key: "$add", Value: bson.A{"$value", amount}}},
	}}}

	expiryOnFresh := bson.D{{Key: "$cond", Value: bson.A{expired, newExpiry, "$expiresAt"}}}
	var expiryExpr interface{} = expiryOnFresh
	if elastic {
		expiryExpr = newExpiry
	}

	return mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "value", Value: valueExpr},
			{Key: "expiresAt", Value: expiryExpr},
		}}},
	}
}

// Incr implements storage.Counter.
func (s *Storage) Incr(ctx context.Context, key string, expirySeconds int64, elasticExpiry bool, amount int64) (int64, error) {
	now := s.clock.Now()
	newExpiry := now.Add(time.Duration(expirySeconds) * time.Second)

	var doc counterDoc
	err := s.upsertWithRetry(ctx, s.counters, key, incrPipeline(now, newExpiry, elasticExpiry, amount), &doc)
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}

// upsertWithRetry runs an upserting FindOneAndUpdate, retrying on the
// duplicate-key error two processes can race into when they both try to
// insert the same absent _id at once. Mongo has no server-side
// "upsert or retry" primitive, so the retry happens here.
func (s *Storage) upsertWithRetry(ctx context.Context, coll *mongo.Collection, key string, pipeline mongo.Pipeline, out interface{}) error {
	var err error
	for attempt := 0; attempt < s.maxWriteConflictRetries; attempt++ {
		err = coll.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: key}},
			pipeline,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(out)
		if err == nil {
			return nil
		}
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("mongostore: upsert race, retrying")
			continue
		}
		return &storage.StorageError{Backend: "mongodb", Operation: "upsert", Key: key, Err: err}
	}
	return &storage.ConcurrentUpdateError{Backend: "mongodb", Key: key, Retries: s.maxWriteConflictRetries, Err: err}
}

// Decr implements storage.Counter: it never creates an absent key and
// clamps the result at 0.
func (s *Storage) Decr(ctx context.Context, key string, amount int64) (int64, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "value", Value: bson.D{{Key: "$max", Value: bson.A{
				0, bson.D{{Key: "$subtract", Value: bson.A{"$value", amount}}},
			}}}},
		}}},
	}
	var doc counterDoc
	err := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: key}},
		pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, &storage.StorageError{Backend: "mongodb", Operation: "decr", Key: key, Err: err}
	}
	return doc.Value, nil
}

// Get implements storage.Counter.
func (s *Storage) Get(ctx context.Context, key string) (int64, error) {
	doc, err := s.findLiveCounter(ctx, key)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, nil
	}
	return doc.Value, nil
}

func (s *Storage) findLiveCounter(ctx context.Context, key string) (*counterDoc, error) {
	var doc counterDoc
	err := s.counters.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, &storage.StorageError{Backend: "mongodb", Operation: "find", Key: key, Err: err}
	}
	if !doc.ExpiresAt.IsZero() && !doc.ExpiresAt.After(s.clock.Now()) {
		return nil, nil
	}
	return &doc, nil
}

// GetExpiry implements storage.Counter.
func (s *Storage) GetExpiry(ctx context.Context, key string) (int64, error) {
	now := s.clock.Now()
	doc, err := s.findLiveCounter(ctx, key)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return now.Unix(), nil
	}
	return doc.ExpiresAt.Unix(), nil
}

// Clear implements storage.Counter.
func (s *Storage) Clear(ctx context.Context, key string) error {
	if _, err := s.counters.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return &storage.StorageError{Backend: "mongodb", Operation: "delete", Key: key, Err: err}
	}
	if _, err := s.entries.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return &storage.StorageError{Backend: "mongodb", Operation: "delete", Key: key, Err: err}
	}
	return nil
}

// Check implements storage.Counter.
func (s *Storage) Check(ctx context.Context) bool {
	return s.counters.Database().Client().Ping(ctx, nil) == nil
}

// Reset implements storage.Counter: unlike redisstore and
// memcachestore, the dedicated per-purpose collections this backend
// owns make a full reset unambiguous.
func (s *Storage) Reset(ctx context.Context) (int64, bool, error) {
	cr, err := s.counters.DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, false, &storage.StorageError{Backend: "mongodb", Operation: "reset", Err: err}
	}
	er, err := s.entries.DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, false, &storage.StorageError{Backend: "mongodb", Operation: "reset", Err: err}
	}
	return cr.DeletedCount + er.DeletedCount, true, nil
}

// AcquireEntry implements storage.MovingWindow: expired timestamps are
// filtered out and, if the surviving count plus amount does not exceed
// limit, amount fresh entries are prepended — all inside one
// aggregation-pipeline update.
func (s *Storage) AcquireEntry(ctx context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.Now()
	nowSeconds := s.clock.NowSeconds()
	cutoff := nowSeconds - float64(expirySeconds)
	newExpiry := now.Add(time.Duration(expirySeconds) * time.Second)

	fresh := make(bson.A, amount)
	for i := range fresh {
		fresh[i] = nowSeconds
	}

	filterExpr := bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$timestamps", bson.A{}}}}},
		{Key: "as", Value: "t"},
		{Key: "cond", Value: bson.D{{Key: "$gte", Value: bson.A{"$$t", cutoff}}}},
	}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "timestamps", Value: filterExpr}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "admitted", Value: bson.D{{Key: "$lte", Value: bson.A{
				bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$size", Value: "$timestamps"}}, amount}}},
				limit,
			}}}},
		}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "timestamps", Value: bson.D{{Key: "$cond", Value: bson.A{
				"$admitted",
				bson.D{{Key: "$concatArrays", Value: bson.A{fresh, "$timestamps"}}},
				"$timestamps",
			}}}},
			{Key: "expiresAt", Value: newExpiry},
		}}},
	}

	var doc struct {
		Admitted bool `bson:"admitted"`
	}
	if err := s.upsertWithRetry(ctx, s.entries, key, pipeline, &doc); err != nil {
		return false, err
	}
	return doc.Admitted, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Storage) GetMovingWindow(ctx context.Context, key string, _ int64, expirySeconds int64) (float64, int64, error) {
	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)

	var doc entryDoc
	err := s.entries.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return now, 0, nil
	}
	if err != nil {
		return now, 0, &storage.StorageError{Backend: "mongodb", Operation: "find", Key: key, Err: err}
	}

	live := make([]float64, 0, len(doc.Timestamps))
	for _, ts := range doc.Timestamps {
		if ts >= cutoff {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		return now, 0, nil
	}
	earliest := live[0]
	for _, ts := range live {
		if ts < earliest {
			earliest = ts
		}
	}
	return earliest, int64(len(live)), nil
}

func bucketKey(key string, bucketIndex int64) string {
	return key + "/bucket/" + strconv.FormatInt(bucketIndex, 10)
}

// AcquireSlidingWindowEntry implements storage.SlidingWindowCounter.
func (s *Storage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.NowSeconds()
	bucketIndex := int64(now) / expirySeconds
	elapsedInCurrent := now - float64(bucketIndex)*float64(expirySeconds)
	weightPrev := 1 - elapsedInCurrent/float64(expirySeconds)

	previousKey := bucketKey(key, bucketIndex-1)
	currentKey := bucketKey(key, bucketIndex)

	prevDoc, err := s.findLiveCounter(ctx, previousKey)
	if err != nil {
		return false, err
	}
	var prevCount int64
	if prevDoc != nil {
		prevCount = prevDoc.Value
	}

	nowTime := s.clock.Now()
	newExpiry := nowTime.Add(2 * time.Duration(expirySeconds) * time.Second)

	expired := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: "$expiresAt"}}, "missing"}}},
		bson.D{{Key: "$lte", Value: bson.A{"$expiresAt", nowTime}}},
	}}}
	currentValue := bson.D{{Key: "$cond", Value: bson.A{expired, 0, "$value"}}}
	weighted := bson.D{{Key: "$add", Value: bson.A{
		bson.D{{Key: "$floor", Value: bson.D{{Key: "$multiply", Value: bson.A{prevCount, weightPrev}}}}},
		currentValue,
	}}}
	admitted := bson.D{{Key: "$lte", Value: bson.A{bson.D{{Key: "$add", Value: bson.A{weighted, amount}}}, limit}}}
	newValue := bson.D{{Key: "$add", Value: bson.A{currentValue, amount}}}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "admitted", Value: admitted}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "value", Value: bson.D{{Key: "$cond", Value: bson.A{"$admitted", newValue, currentValue}}}},
			{Key: "expiresAt", Value: bson.D{{Key: "$cond", Value: bson.A{"$admitted", newExpiry, bson.D{{Key: "$ifNull", Value: bson.A{"$expiresAt", newExpiry}}}}}}},
		}}},
	}

	var doc struct {
		Admitted bool `bson:"admitted"`
	}
	if err := s.upsertWithRetry(ctx, s.counters, currentKey, pipeline, &doc); err != nil {
		return false, err
	}
	return doc.Admitted, nil
}

// GetSlidingWindow implements storage.SlidingWindowCounter.
func (s *Storage) GetSlidingWindow(ctx context.Context, key string, expirySeconds int64) (int64, int64, int64, int64, error) {
	now := s.clock.Now()
	bucketIndex := int64(s.clock.NowSeconds()) / expirySeconds

	prevDoc, err := s.findLiveCounter(ctx, bucketKey(key, bucketIndex-1))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	currDoc, err := s.findLiveCounter(ctx, bucketKey(key, bucketIndex))
	if err != nil {
		return 0, 0, 0, 0, err
	}

	var prevCount, prevTTL, currCount, currTTL int64
	if prevDoc != nil {
		prevCount = prevDoc.Value
		prevTTL = int64(prevDoc.ExpiresAt.Sub(now).Seconds())
	}
	if currDoc != nil {
		currCount = currDoc.Value
		currTTL = int64(currDoc.ExpiresAt.Sub(now).Seconds())
	}
	return prevCount, prevTTL, currCount, currTTL, nil
}

var (
	_ storage.Counter              = (*Storage)(nil)
	_ storage.MovingWindow         = (*Storage)(nil)
	_ storage.SlidingWindowCounter = (*Storage)(nil)
)
