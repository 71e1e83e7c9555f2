package ratekeep

import (
	"github.com/ratekeep/ratekeep/storage"
	"github.com/ratekeep/ratekeep/strategy"
)

// Limit, Identity and WindowStats are re-exported from strategy so
// top-level callers who only need the data model don't have to import
// the strategy package directly.
type (
	Limit       = strategy.Limit
	Identity    = strategy.Identity
	WindowStats = strategy.WindowStats
)

// The storage error taxonomy (spec §7), re-exported for ergonomic
// top-level errors.As checks:
//
//	var storageErr *ratekeep.StorageError
//	if errors.As(err, &storageErr) { ... }
type (
	ConfigurationError    = storage.ConfigurationError
	StorageError          = storage.StorageError
	ConcurrentUpdateError = storage.ConcurrentUpdateError
)

// Sentinel errors, checkable with errors.Is().
var (
	ErrConfiguration    = storage.ErrConfiguration
	ErrStorage          = storage.ErrStorage
	ErrConcurrentUpdate = storage.ErrConcurrentUpdate
)
