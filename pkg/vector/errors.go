package vector

import "errors"

// Error kinds surfaced by the core. Callers match them with errors.Is;
// the core never retries internally — retries, if any, belong at the
// transport boundary.
var (
	// ErrInvalidDimension is returned when a query or stored vector's
	// length does not equal the collection's configured dimension.
	ErrInvalidDimension = errors.New("vector: invalid dimension")
	// ErrNotFound is returned for an unknown VectorID or key.
	ErrNotFound = errors.New("vector: not found")
	// ErrIndexNotBuilt is returned when Search is invoked before Build.
	ErrIndexNotBuilt = errors.New("vector: index not built")
	// ErrIndexBuilding is returned when an operation is denied because a
	// Build holds the exclusive index-wide lock.
	ErrIndexBuilding = errors.New("vector: index is building")
	// ErrDuplicate is returned when inserting a key that already exists
	// without an explicit overwrite.
	ErrDuplicate = errors.New("vector: duplicate key")
	// ErrSerialization is returned for malformed persisted graph bytes.
	ErrSerialization = errors.New("vector: serialization error")
	// ErrBackingStore wraps an opaque failure from the persistence
	// collaborator.
	ErrBackingStore = errors.New("vector: backing store error")
)
