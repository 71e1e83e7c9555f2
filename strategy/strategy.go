// Package strategy implements the three rate-limiting algorithms over
// the storage.Counter/MovingWindow/SlidingWindowCounter capability sets.
//
// A strategy never holds state across calls; all state lives in the
// storage it was constructed with (spec §2). Each strategy accepts only
// the narrowest storage interface it needs, so passing a backend that
// can't support moving-window or sliding-window-counter is a compile
// error, not a runtime surprise.
package strategy

import (
	"time"

	"github.com/ratekeep/ratekeep/internal/rclock"
)

// WindowStats reports the outcome of a non-mutating window inspection:
// when the window resets and how many requests remain.
type WindowStats struct {
	ResetAt   time.Time
	Remaining int64
}

// clockOf returns c if non-nil, otherwise the production clock. Every
// strategy constructor accepts an optional clock override for tests.
func clockOf(c rclock.Clock) rclock.Clock {
	if c != nil {
		return c
	}
	return rclock.New()
}
