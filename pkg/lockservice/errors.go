package lockservice

import "errors"

// ============================================================================
// Standard Lock Service Errors
// ============================================================================

var (
	// ErrTimeout indicates the acquisition wait budget elapsed before the
	// lock could be granted. It is an expected contention outcome.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld indicates an operation that requires a live holder entry
	// (renew, release, remove) found none. Either the lock was never granted
	// or its TTL elapsed and the entry was purged.
	ErrNotHeld = errors.New("lock not held")

	// ErrAlreadyHeld indicates an acquisition on a Lock that is already held.
	ErrAlreadyHeld = errors.New("lock already held")

	// ErrConflict indicates an optimistic update could not be committed
	// because of concurrent modification, after the record store exhausted
	// its internal retries.
	ErrConflict = errors.New("lock record update conflict")

	// ErrNotFound indicates no lock document exists for the file.
	ErrNotFound = errors.New("lock record not found")

	// ErrClosed indicates the coordinator or record store has been closed.
	ErrClosed = errors.New("lock service closed")

	// ErrInvalidRoot indicates an empty namespace root.
	ErrInvalidRoot = errors.New("invalid namespace root")
)
