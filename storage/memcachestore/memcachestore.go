// Package memcachestore is the Memcached-backed storage backend.
//
// Memcached's protocol gives us two different atomicity primitives and
// neither alone is enough for every operation here: INCR/DECR are
// atomic but cannot also refresh a key's TTL, and the only way to
// change both a value and its expiration together is a Get-then-CAS
// loop, which can lose its race under contention. Where a plain
// INCR/DECR suffices (fixed-window counters with elastic expiry off)
// we use it; everywhere else we pay for a CAS loop bounded by
// maxCASRetries, surfacing storage.ConcurrentUpdateError if it's
// exhausted.
//
// The moving-window strategy's entry list is kept as a single
// comma-separated item rather than a native list type, because
// Memcached has none. GetMovingWindow trims expired entries from the
// view it returns but does not write the trimmed list back, so they
// stay in the stored item until the next AcquireEntry rewrites it. The
// backend's moving-window support is treated as best-effort rather than
// exact (see
// SPEC_FULL.md §9, resolving the Open Question the Python original left
// open).
package memcachestore

import (
	"context"
	"strconv"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

// defaultMaxCASRetries is the fallback when no Config/WithMaxCASRetries
// override is supplied.
const defaultMaxCASRetries = 10

// Storage is the Memcached-backed backend. The zero value is not
// usable; use New.
type Storage struct {
	client        *memcache.Client
	clock         rclock.Clock
	logger        zerolog.Logger
	maxCASRetries int
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithClock overrides the time source (tests use this to inject
// rclock.Mock).
func WithClock(c rclock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the zerolog.Logger used for CAS-retry diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithMaxCASRetries overrides how many times a Get-then-CompareAndSwap
// loop retries before giving up with storage.ConcurrentUpdateError.
func WithMaxCASRetries(n int) Option {
	return func(s *Storage) { s.maxCASRetries = n }
}

// WithConfig applies a loaded Config to a Storage at construction time.
func WithConfig(cfg Config) Option {
	return func(s *Storage) { s.maxCASRetries = cfg.MaxCASRetries }
}

// New wraps an already-connected Memcached client.
func New(client *memcache.Client, opts ...Option) *Storage {
	s := &Storage{
		client:        client,
		clock:         rclock.New(),
		logger:        zerolog.Nop(),
		maxCASRetries: defaultMaxCASRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Incr implements storage.Counter. When elasticExpiry is false this is
// a single INCR (or an Add on first write); INCR cannot change a key's
// TTL so the elastic case falls back to a CAS loop.
func (s *Storage) Incr(_ context.Context, key string, expirySeconds int64, elasticExpiry bool, amount int64) (int64, error) {
	if !elasticExpiry {
		v, err := s.client.Increment(key, uint64(amount))
		if err == memcache.ErrCacheMiss {
			return s.createCounter(key, expirySeconds, amount)
		}
		if err != nil {
			return 0, &storage.StorageError{Backend: "memcached", Operation: "incr", Key: key, Err: err}
		}
		return int64(v), nil
	}
	return s.casIncr(key, expirySeconds, amount)
}

func (s *Storage) createCounter(key string, expirySeconds int64, amount int64) (int64, error) {
	item := &memcache.Item{
		Key:        key,
		Value:      []byte(strconv.FormatInt(amount, 10)),
		Expiration: int32(expirySeconds),
	}
	err := s.client.Add(item)
	if err == nil {
		return amount, nil
	}
	if err == memcache.ErrNotStored {
		// Lost the race to create it: someone else's Add won first.
		v, incErr := s.client.Increment(key, uint64(amount))
		if incErr != nil {
			return 0, &storage.StorageError{Backend: "memcached", Operation: "incr", Key: key, Err: incErr}
		}
		return int64(v), nil
	}
	return 0, &storage.StorageError{Backend: "memcached", Operation: "add", Key: key, Err: err}
}

func (s *Storage) casIncr(key string, expirySeconds int64, amount int64) (int64, error) {
	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		item, err := s.client.Get(key)
		if err == memcache.ErrCacheMiss {
			return s.createCounter(key, expirySeconds, amount)
		}
		if err != nil {
			return 0, &storage.StorageError{Backend: "memcached", Operation: "get", Key: key, Err: err}
		}

		val, _ := strconv.ParseInt(string(item.Value), 10, 64)
		newVal := val + amount
		item.Value = []byte(strconv.FormatInt(newVal, 10))
		item.Expiration = int32(expirySeconds)

		err = s.client.CompareAndSwap(item)
		if err == nil {
			return newVal, nil
		}
		if err == memcache.ErrCASConflict || err == memcache.ErrNotStored {
			s.logger.Debug().Str("key", key).Int("attempt", attempt).Msg("memcachestore: cas conflict, retrying")
			continue
		}
		return 0, &storage.StorageError{Backend: "memcached", Operation: "cas", Key: key, Err: err}
	}
	return 0, &storage.ConcurrentUpdateError{Backend: "memcached", Key: key, Retries: s.maxCASRetries}
}

// Decr implements storage.Counter. Memcached's DECR already clamps at
// 0 and never creates an absent key.
func (s *Storage) Decr(_ context.Context, key string, amount int64) (int64, error) {
	v, err := s.client.Decrement(key, uint64(amount))
	if err == memcache.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, &storage.StorageError{Backend: "memcached", Operation: "decr", Key: key, Err: err}
	}
	return int64(v), nil
}

// Get implements storage.Counter.
func (s *Storage) Get(_ context.Context, key string) (int64, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, &storage.StorageError{Backend: "memcached", Operation: "get", Key: key, Err: err}
	}
	v, _ := strconv.ParseInt(string(item.Value), 10, 64)
	return v, nil
}

// GetExpiry implements storage.Counter. Memcached's wire protocol has
// no "remaining TTL" query and this backend does not record expiries
// itself, so GetExpiry always returns the current time, whether or not
// key exists; it does not report when a live key will expire.
func (s *Storage) GetExpiry(_ context.Context, key string) (int64, error) {
	now := s.clock.NowSeconds()
	if _, err := s.client.Get(key); err == memcache.ErrCacheMiss {
		return int64(now), nil
	}
	return int64(now), nil
}

// Clear implements storage.Counter.
func (s *Storage) Clear(_ context.Context, key string) error {
	err := s.client.Delete(key)
	if err != nil && err != memcache.ErrCacheMiss {
		return &storage.StorageError{Backend: "memcached", Operation: "delete", Key: key, Err: err}
	}
	_ = s.client.Delete(entriesKey(key))
	_ = s.client.Delete(currentBucketKey(key))
	_ = s.client.Delete(previousBucketKey(key))
	return nil
}

// Check implements storage.Counter.
func (s *Storage) Check(_ context.Context) bool {
	_, err := s.client.Get("__ratekeep_ping__")
	return err == nil || err == memcache.ErrCacheMiss
}

// Reset implements storage.Counter. Memcached has no key enumeration,
// so a namespace-scoped reset cannot be implemented against it.
func (s *Storage) Reset(_ context.Context) (int64, bool, error) {
	s.logger.Warn().Msg("memcachestore: Reset is not supported, Memcached cannot enumerate its keyspace")
	return 0, false, nil
}

func entriesKey(key string) string        { return key + "/entries" }
func currentBucketKey(key string) string  { return key + "/current" }
func previousBucketKey(key string) string { return key + "/previous" }

// AcquireEntry implements storage.MovingWindow via the CAS loop over a
// single comma-separated timestamp list, newest-first.
func (s *Storage) AcquireEntry(_ context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)
	ekey := entriesKey(key)

	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		item, err := s.client.Get(ekey)
		var ts []float64
		hadItem := true
		if err == memcache.ErrCacheMiss {
			hadItem = false
		} else if err != nil {
			return false, &storage.StorageError{Backend: "memcached", Operation: "get", Key: ekey, Err: err}
		} else {
			ts = parseTimestamps(string(item.Value))
		}
		ts = trimExpired(ts, cutoff)

		if int64(len(ts))+amount > limit {
			return false, nil
		}
		fresh := make([]float64, amount)
		for i := range fresh {
			fresh[i] = now
		}
		ts = append(fresh, ts...)
		if !hadItem {
			err = s.client.Add(&memcache.Item{
				Key:        ekey,
				Value:      []byte(formatTimestamps(ts)),
				Expiration: int32(expirySeconds),
			})
			if err == memcache.ErrNotStored {
				continue // someone else created it first; retry from a fresh Get
			}
		} else {
			// CompareAndSwap requires the same *Item Get returned, since
			// its CAS token travels with the object, not as a settable field.
			item.Value = []byte(formatTimestamps(ts))
			item.Expiration = int32(expirySeconds)
			err = s.client.CompareAndSwap(item)
			if err == memcache.ErrCASConflict || err == memcache.ErrNotStored {
				s.logger.Debug().Str("key", ekey).Int("attempt", attempt).Msg("memcachestore: cas conflict, retrying")
				continue
			}
		}
		if err != nil {
			return false, &storage.StorageError{Backend: "memcached", Operation: "acquire_entry", Key: ekey, Err: err}
		}
		return true, nil
	}
	return false, &storage.ConcurrentUpdateError{Backend: "memcached", Key: ekey, Retries: s.maxCASRetries}
}

// GetMovingWindow implements storage.MovingWindow. It trims expired
// entries in the returned view only; it does not write the trimmed
// list back, which is the backend's documented best-effort tradeoff.
func (s *Storage) GetMovingWindow(_ context.Context, key string, _ int64, expirySeconds int64) (float64, int64, error) {
	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)

	item, err := s.client.Get(entriesKey(key))
	if err == memcache.ErrCacheMiss {
		return now, 0, nil
	}
	if err != nil {
		return now, 0, &storage.StorageError{Backend: "memcached", Operation: "get", Key: entriesKey(key), Err: err}
	}

	ts := trimExpired(parseTimestamps(string(item.Value)), cutoff)
	if len(ts) == 0 {
		return now, 0, nil
	}
	return ts[len(ts)-1], int64(len(ts)), nil
}

func parseTimestamps(raw string) []float64 {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ts := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err == nil {
			ts = append(ts, v)
		}
	}
	return ts
}

func formatTimestamps(ts []float64) string {
	parts := make([]string, len(ts))
	for i, v := range ts {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// trimExpired drops entries older than cutoff from a newest-first list.
func trimExpired(ts []float64, cutoff float64) []float64 {
	idx := len(ts)
	for i, v := range ts {
		if v < cutoff {
			idx = i
			break
		}
	}
	return ts[:idx]
}

// AcquireSlidingWindowEntry implements storage.SlidingWindowCounter:
// the previous bucket is read plainly, the current bucket is
// check-then-incremented through the same CAS loop Incr's elastic path
// uses, since admission depends on both buckets together.
func (s *Storage) AcquireSlidingWindowEntry(_ context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	now := s.clock.NowSeconds()
	bucketIndex := int64(now) / expirySeconds
	elapsedInCurrent := now - float64(bucketIndex)*float64(expirySeconds)
	weightPrev := 1 - elapsedInCurrent/float64(expirySeconds)

	currentKey := currentBucketKey(key) + "/" + strconv.FormatInt(bucketIndex, 10)
	previousKey := currentBucketKey(key) + "/" + strconv.FormatInt(bucketIndex-1, 10)

	for attempt := 0; attempt < s.maxCASRetries; attempt++ {
		prevCount, err := s.Get(context.Background(), previousKey)
		if err != nil {
			return false, err
		}

		item, err := s.client.Get(currentKey)
		var curr int64
		hadItem := true
		if err == memcache.ErrCacheMiss {
			hadItem = false
		} else if err != nil {
			return false, &storage.StorageError{Backend: "memcached", Operation: "get", Key: currentKey, Err: err}
		} else {
			curr, _ = strconv.ParseInt(string(item.Value), 10, 64)
		}

		weighted := int64(float64(prevCount)*weightPrev) + curr
		if weighted+amount > limit {
			return false, nil
		}

		newVal := curr + amount
		if !hadItem {
			err = s.client.Add(&memcache.Item{
				Key:        currentKey,
				Value:      []byte(strconv.FormatInt(newVal, 10)),
				Expiration: int32(expirySeconds * 2),
			})
			if err == memcache.ErrNotStored {
				continue
			}
		} else {
			item.Value = []byte(strconv.FormatInt(newVal, 10))
			item.Expiration = int32(expirySeconds * 2)
			err = s.client.CompareAndSwap(item)
			if err == memcache.ErrCASConflict || err == memcache.ErrNotStored {
				s.logger.Debug().Str("key", currentKey).Int("attempt", attempt).Msg("memcachestore: cas conflict, retrying")
				continue
			}
		}
		if err != nil {
			return false, &storage.StorageError{Backend: "memcached", Operation: "acquire_sliding_window_entry", Key: currentKey, Err: err}
		}
		return true, nil
	}
	return false, &storage.ConcurrentUpdateError{Backend: "memcached", Key: currentKey, Retries: s.maxCASRetries}
}

// GetSlidingWindow implements storage.SlidingWindowCounter. TTLs are
// reported as 0 for the same reason GetExpiry can't report an exact
// value: Memcached doesn't expose remaining TTL over the wire.
func (s *Storage) GetSlidingWindow(ctx context.Context, key string, expirySeconds int64) (int64, int64, int64, int64, error) {
	now := s.clock.NowSeconds()
	bucketIndex := int64(now) / expirySeconds
	currentKey := currentBucketKey(key) + "/" + strconv.FormatInt(bucketIndex, 10)
	previousKey := currentBucketKey(key) + "/" + strconv.FormatInt(bucketIndex-1, 10)

	currCount, err := s.Get(ctx, currentKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	prevCount, err := s.Get(ctx, previousKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return prevCount, 0, currCount, 0, nil
}

var (
	_ storage.Counter              = (*Storage)(nil)
	_ storage.MovingWindow         = (*Storage)(nil)
	_ storage.SlidingWindowCounter = (*Storage)(nil)
)
