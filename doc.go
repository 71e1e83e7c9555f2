// Package ratekeep is a pluggable distributed rate-limiting core: three
// strategies (fixed window, moving window, sliding-window counter) over
// a storage abstraction with in-memory, Redis, Memcached and MongoDB
// backends.
//
// A strategy holds no state of its own; all state lives in the storage
// backend it is constructed with, which is what lets the same strategy
// code run correctly whether the backend is a single in-process map or a
// Redis cluster shared by a fleet (spec §2).
//
//	store := memstore.New()
//	fw := strategy.NewFixedWindow(store, nil)
//	limit := strategy.Limit{Amount: 100, Window: time.Minute, GranularityName: "per_minute"}
//	allowed, err := fw.Hit(ctx, limit, strategy.Identity{Namespace: "user", Parts: []string{"42"}}, 1)
//
// Construction of a backend always takes an already-connected client —
// this package does not parse connection URIs or manage transport setup
// (see SPEC_FULL.md §1, §6).
package ratekeep
