package strategy

import (
	"strings"
	"time"
)

// Limit is the immutable input every strategy call is checked against:
// "amount per window_seconds", plus a display name for the granularity
// (spec §3 Data Model).
type Limit struct {
	// Amount is the maximum number of units admitted per window. Must
	// be positive.
	Amount int64

	// Window is the fixed or rolling interval the limit applies over.
	// Must be positive.
	Window time.Duration

	// GranularityName is a display name ("per_minute", "per_hour", ...)
	// used as the second key-namespace segment (spec §6).
	GranularityName string
}

// WindowSeconds returns the window as whole seconds, the unit every
// storage contract operates in.
func (l Limit) WindowSeconds() int64 {
	return int64(l.Window / time.Second)
}

// Identity is the ordered tuple of string fragments that, together with
// a strategy tag and the limit's granularity, deterministically
// identifies a storage key (spec §3, §6):
//
//	LIMITER/{strategy_tag}/{granularity}/{namespace}/{fragments...}
type Identity struct {
	Namespace string
	Parts     []string
}

// Key joins the strategy tag, the limit's granularity and the identity
// fragments into the stable, cross-process storage key.
func (id Identity) Key(strategyTag string, l Limit) string {
	segments := make([]string, 0, 3+len(id.Parts))
	segments = append(segments, "LIMITER", strategyTag, l.GranularityName, id.Namespace)
	segments = append(segments, id.Parts...)
	return strings.Join(segments, "/")
}
