package ratekeep

import (
	"context"
	"time"

	"github.com/ratekeep/ratekeep/strategy"
)

// HitInfo is passed to OnAllow/OnDeny callbacks to give rich context
// about an admission decision, the way the teacher's LimitInfo was
// intended for Allow/OnLimit hooks.
type HitInfo struct {
	Limit     Limit
	Identity  Identity
	Cost      int64
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter binds a Limit to a strategy.Strategy and exposes the
// single-call ergonomics most callers want, on top of the lower-level
// Hit/Test/GetWindowStats calls the strategy package offers directly.
type Limiter struct {
	limit    Limit
	strategy strategy.Strategy
	onAllow  func(HitInfo)
	onDeny   func(HitInfo)
}

// LimiterOption configures a Limiter at construction time.
type LimiterOption func(*Limiter)

// OnAllow registers a callback invoked after every admitted Allow/AllowN
// call whose follow-up window-stats read succeeds; it is skipped when
// that read fails.
func OnAllow(f func(HitInfo)) LimiterOption {
	return func(l *Limiter) { l.onAllow = f }
}

// OnDeny registers a callback invoked after every denied Allow/AllowN
// call whose follow-up window-stats read succeeds; it is skipped when
// that read fails.
func OnDeny(f func(HitInfo)) LimiterOption {
	return func(l *Limiter) { l.onDeny = f }
}

// NewLimiter binds limit to s, the strategy constructed against whatever
// storage backend the caller chose.
func NewLimiter(limit Limit, s strategy.Strategy, opts ...LimiterOption) *Limiter {
	l := &Limiter{limit: limit, strategy: s}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one unit against the bound limit for identity, running
// the configured OnAllow/OnDeny callback. A rate-limit check that errors
// is distinct from "denied" (spec §7): callers must not treat err != nil
// as a denial.
func (l *Limiter) Allow(ctx context.Context, identity Identity) (bool, error) {
	return l.AllowN(ctx, identity, 1)
}

// AllowN consumes cost units against the bound limit for identity.
func (l *Limiter) AllowN(ctx context.Context, identity Identity, cost int64) (bool, error) {
	allowed, err := l.strategy.Hit(ctx, l.limit, identity, cost)
	if err != nil {
		return false, err
	}

	if l.onAllow != nil || l.onDeny != nil {
		stats, statsErr := l.strategy.GetWindowStats(ctx, l.limit, identity)
		if statsErr == nil {
			info := HitInfo{
				Limit:     l.limit,
				Identity:  identity,
				Cost:      cost,
				Allowed:   allowed,
				Remaining: stats.Remaining,
				ResetAt:   stats.ResetAt,
			}
			if allowed && l.onAllow != nil {
				l.onAllow(info)
			} else if !allowed && l.onDeny != nil {
				l.onDeny(info)
			}
		}
	}

	return allowed, nil
}

// Test reports whether an AllowN(cost) call would currently succeed,
// without consuming any capacity.
func (l *Limiter) Test(ctx context.Context, identity Identity, cost int64) (bool, error) {
	return l.strategy.Test(ctx, l.limit, identity, cost)
}

// Stats returns the current window statistics for identity.
func (l *Limiter) Stats(ctx context.Context, identity Identity) (WindowStats, error) {
	return l.strategy.GetWindowStats(ctx, l.limit, identity)
}
