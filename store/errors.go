package store

import "errors"

// Sentinel errors returned by data operations. Callers classify with
// errors.Is.
var (
	// ErrUnavailable indicates the store was never opened or the
	// database is unreachable.
	ErrUnavailable = errors.New("database unavailable")

	// ErrNotFound indicates an entity lookup failed.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or compare-and-set failure,
	// including dedup-key hits.
	ErrConflict = errors.New("conflict")

	// ErrInvariant indicates a write would violate a data invariant
	// (illegal status transition, terminal-row mutation).
	ErrInvariant = errors.New("invariant violation")

	// ErrForbidden indicates the operation is not permitted in the
	// current environment.
	ErrForbidden = errors.New("operation forbidden")

	// ErrTimeout indicates a deadline was exceeded while talking to
	// the database.
	ErrTimeout = errors.New("timeout")
)
