package locking

import (
	"errors"
	"fmt"
)

// ============================================================================
// Standard Locking Errors
// ============================================================================

var (
	// ErrMissingFileID indicates a read, remove or exists request without a
	// file identifier. Only writes may generate one.
	ErrMissingFileID = errors.New("file ID is required")

	// ErrRootMismatch indicates a request for a namespace root other than the
	// one the coordinator is bound to.
	ErrRootMismatch = errors.New("namespace root mismatch")

	// ErrLockExpired indicates the lock's TTL elapsed while the stream was in
	// use. The stream has been torn down and accepts no further I/O.
	ErrLockExpired = errors.New("lock expired")

	// ErrRenewInFlight indicates a renewal was requested while another
	// renewal on the same handle had not resolved yet.
	ErrRenewInFlight = errors.New("lock renewal already in flight")

	// ErrInvalidState indicates an operation that is not valid in the
	// handle's current state (e.g. renewing a released lock).
	ErrInvalidState = errors.New("invalid lock state")

	// ErrClosed indicates the Locker or its registry has been closed.
	ErrClosed = errors.New("locker closed")
)

// UsageError reports a contract violation by the caller: a missing
// identifier or a root mismatch. It is returned synchronously, before any
// I/O, and retrying the same call can never succeed.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// IsUsageError reports whether err is (or wraps) a *UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

func usageError(op string, err error) error {
	return &UsageError{Op: op, Err: err}
}
