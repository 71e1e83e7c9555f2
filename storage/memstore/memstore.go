// Package memstore is the in-process storage backend: a mutex-guarded
// map of counters and entry lists. It satisfies storage.Counter,
// storage.MovingWindow and storage.SlidingWindowCounter — every
// strategy works against it, which is what makes it the default choice
// for single-process use and the reference implementation strategy
// tests run against.
//
// Expiry is lazy (checked on read/write, per spec §4.C); an optional
// background sweeper reclaims cold expired keys but is not required for
// correctness, since every accessor independently checks expiry first.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratekeep/ratekeep/internal/rclock"
	"github.com/ratekeep/ratekeep/storage"
)

type counterEntry struct {
	value     int64
	expiresAt float64 // absolute Unix seconds
}

type entryList struct {
	// timestamps is kept newest-first (Open Question in spec.md resolved
	// as newest-first, per SPEC_FULL.md §9).
	timestamps []float64
	expiresAt  float64 // absolute Unix seconds, refreshed on every insert
}

// Storage is the in-process backend. The zero value is not usable; use
// New. A single mutex guards all state: operations are expected to
// complete in microseconds, so coarse locking is the right tradeoff over
// finer-grained sharding.
type Storage struct {
	mu       sync.Mutex
	clock    rclock.Clock
	counters map[string]*counterEntry
	entries  map[string]*entryList
	logger   zerolog.Logger

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithClock overrides the time source (tests use this to inject
// rclock.Mock).
func WithClock(c rclock.Clock) Option {
	return func(s *Storage) { s.clock = c }
}

// WithLogger overrides the zerolog.Logger used for sweeper diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithSweepInterval enables a background goroutine that periodically
// removes cold expired keys. This is a memory-reclamation optimization,
// not a correctness requirement (spec §4.C) — every read/write already
// self-expires lazily.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Storage) { s.sweepInterval = d }
}

// New creates an empty in-process Storage.
func New(opts ...Option) *Storage {
	s := &Storage{
		clock:    rclock.New(),
		counters: make(map[string]*counterEntry),
		entries:  make(map[string]*entryList),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.stopSweep = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop()
	}
	return s
}

// Close stops the background sweeper, if one was started. It is a no-op
// otherwise.
func (s *Storage) Close() {
	if s.stopSweep == nil {
		return
	}
	close(s.stopSweep)
	<-s.sweepDone
}

func (s *Storage) sweepLoop() {
	defer close(s.sweepDone)
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.NowSeconds()
	removed := 0
	for k, c := range s.counters {
		if c.expiresAt <= now {
			delete(s.counters, k)
			removed++
		}
	}
	for k, e := range s.entries {
		if e.expiresAt <= now {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("memstore: sweep reclaimed expired keys")
	}
}

// Incr implements storage.Counter.
func (s *Storage) Incr(_ context.Context, key string, expirySeconds int64, elasticExpiry bool, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	c, ok := s.counters[key]
	if ok && c.expiresAt <= now {
		ok = false // expired: lazily transitions Expired -> Absent
	}

	if !ok {
		c = &counterEntry{value: amount, expiresAt: now + float64(expirySeconds)}
		s.counters[key] = c
		return c.value, nil
	}

	c.value += amount
	if elasticExpiry {
		c.expiresAt = now + float64(expirySeconds)
	}
	return c.value, nil
}

// Decr implements storage.Counter.
func (s *Storage) Decr(_ context.Context, key string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	c, ok := s.counters[key]
	if !ok || c.expiresAt <= now {
		return 0, nil
	}
	c.value -= amount
	if c.value < 0 {
		c.value = 0
	}
	return c.value, nil
}

// Get implements storage.Counter.
func (s *Storage) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	c, ok := s.counters[key]
	if !ok || c.expiresAt <= now {
		return 0, nil
	}
	return c.value, nil
}

// GetExpiry implements storage.Counter.
func (s *Storage) GetExpiry(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	c, ok := s.counters[key]
	if !ok || c.expiresAt <= now {
		return int64(now), nil
	}
	return int64(c.expiresAt), nil
}

// Clear implements storage.Counter.
func (s *Storage) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	delete(s.entries, key)
	return nil
}

// Check implements storage.Counter. The in-process backend is always
// live.
func (s *Storage) Check(_ context.Context) bool { return true }

// Reset implements storage.Counter: it clears every key this Storage
// holds and reports how many were removed.
func (s *Storage) Reset(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.counters) + len(s.entries))
	s.counters = make(map[string]*counterEntry)
	s.entries = make(map[string]*entryList)
	return n, true, nil
}

// AcquireEntry implements storage.MovingWindow.
func (s *Storage) AcquireEntry(_ context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)

	e, ok := s.entries[key]
	if !ok {
		e = &entryList{}
		s.entries[key] = e
	}
	e.timestamps = trimExpired(e.timestamps, cutoff)

	if int64(len(e.timestamps))+amount > limit {
		return false, nil
	}

	// Newest-first: prepend. Ties at identical `now` land in mutex
	// acquisition order, satisfying the ordering tie-break in spec §4.C.
	fresh := make([]float64, amount)
	for i := range fresh {
		fresh[i] = now
	}
	e.timestamps = append(fresh, e.timestamps...)
	e.expiresAt = now + float64(expirySeconds)
	return true, nil
}

// GetMovingWindow implements storage.MovingWindow.
func (s *Storage) GetMovingWindow(_ context.Context, key string, _ int64, expirySeconds int64) (float64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	cutoff := now - float64(expirySeconds)

	e, ok := s.entries[key]
	if !ok {
		return now, 0, nil
	}
	e.timestamps = trimExpired(e.timestamps, cutoff)
	if len(e.timestamps) == 0 {
		return now, 0, nil
	}
	// timestamps is newest-first; the oldest live entry is the last one.
	earliest := e.timestamps[len(e.timestamps)-1]
	return earliest, int64(len(e.timestamps)), nil
}

// trimExpired drops entries older than cutoff from a newest-first list.
func trimExpired(ts []float64, cutoff float64) []float64 {
	// ts is newest-first, so expired entries are a suffix; find the
	// first expired index via sort.Search over the reversed invariant.
	idx := sort.Search(len(ts), func(i int) bool { return ts[i] < cutoff })
	return ts[:idx]
}

// slidingBucketKeys derives the current/previous fixed-window bucket
// keys for a sliding-window-counter key, matching the Redis backend's
// K/current_bucket and K/previous_bucket derivation (spec §4.D).
func slidingBucketKeys(key string, expirySeconds int64, now float64) (currentKey, previousKey string, bucketIndex int64) {
	bucketIndex = int64(now) / expirySeconds
	currentKey = key + "/current/" + itoa(bucketIndex)
	previousKey = key + "/current/" + itoa(bucketIndex-1)
	return
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// AcquireSlidingWindowEntry implements storage.SlidingWindowCounter.
func (s *Storage) AcquireSlidingWindowEntry(_ context.Context, key string, limit int64, expirySeconds int64, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	currentKey, previousKey, bucketIndex := slidingBucketKeys(key, expirySeconds, now)

	prev := s.getLiveCounter(previousKey, now)
	curr := s.getLiveCounter(currentKey, now)

	elapsedInCurrent := now - float64(bucketIndex)*float64(expirySeconds)
	weightPrev := 1 - elapsedInCurrent/float64(expirySeconds)
	weighted := int64(float64(prev)*weightPrev) + curr

	if weighted+amount > limit {
		return false, nil
	}

	bucketExpiry := now + 2*float64(expirySeconds)
	c, ok := s.counters[currentKey]
	if !ok {
		s.counters[currentKey] = &counterEntry{value: curr + amount, expiresAt: bucketExpiry}
	} else {
		c.value = curr + amount
		c.expiresAt = bucketExpiry
	}
	return true, nil
}

func (s *Storage) getLiveCounter(key string, now float64) int64 {
	c, ok := s.counters[key]
	if !ok || c.expiresAt <= now {
		return 0
	}
	return c.value
}

// GetSlidingWindow implements storage.SlidingWindowCounter.
func (s *Storage) GetSlidingWindow(_ context.Context, key string, expirySeconds int64) (int64, int64, int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.NowSeconds()
	currentKey, previousKey, _ := slidingBucketKeys(key, expirySeconds, now)

	prevCount, prevTTL := s.liveCounterAndTTL(previousKey, now)
	currCount, currTTL := s.liveCounterAndTTL(currentKey, now)
	return prevCount, prevTTL, currCount, currTTL, nil
}

func (s *Storage) liveCounterAndTTL(key string, now float64) (int64, int64) {
	c, ok := s.counters[key]
	if !ok || c.expiresAt <= now {
		return 0, 0
	}
	return c.value, int64(c.expiresAt - now)
}

var (
	_ storage.Counter              = (*Storage)(nil)
	_ storage.MovingWindow         = (*Storage)(nil)
	_ storage.SlidingWindowCounter = (*Storage)(nil)
)
