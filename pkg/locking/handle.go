package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateUnheld State = iota
	StatePending
	StateHeld
	StateRenewing
	StateExpiring
	StateExpired
	StateReleased
	StateTimedOut
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnheld:
		return "unheld"
	case StatePending:
		return "pending"
	case StateHeld:
		return "held"
	case StateRenewing:
		return "renewing"
	case StateExpiring:
		return "expiring"
	case StateExpired:
		return "expired"
	case StateReleased:
		return "released"
	case StateTimedOut:
		return "timed-out"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateExpired, StateReleased, StateTimedOut, StateError:
		return true
	default:
		return false
	}
}

// holding reports whether s represents a live grant.
func (s State) holding() bool {
	return s == StateHeld || s == StateRenewing || s == StateExpiring
}

// Outcome is the non-error result of an acquisition.
type Outcome int

const (
	// OutcomeLocked means the lock was granted; the handle is held.
	OutcomeLocked Outcome = iota + 1

	// OutcomeTimedOut means the wait budget elapsed without a grant. It is an
	// expected contention result, not an error.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLocked:
		return "locked"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Handle drives one lockservice.Lock through an explicit state machine:
//
//	unheld -> pending -> {held, timed-out, error}
//	held -> renewing -> held
//	held -> expiring (expires-soon) -> {renewing, expired, released}
//	held -> released | expired
//
// Operations (acquire, renew, release, remove) are serialized: a release
// issued while an acquisition is pending waits for it to resolve. Expiry is
// delivered asynchronously and supersedes everything: once the handle is
// expired, in-flight results are discarded.
//
// Each session owns exactly one Handle.
type Handle struct {
	lock     *lockservice.Lock
	onSignal func(lockservice.Signal)

	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	mode     lockservice.Mode
	info     lockservice.Info
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// NewHandle creates an unheld handle on fileID. onSignal, when set, receives
// expires-soon and expired after the handle has applied them to its state.
func NewHandle(coord *lockservice.Coordinator, fileID blob.FileID, opts lockservice.LockOptions, onSignal func(lockservice.Signal)) *Handle {
	h := &Handle{
		onSignal: onSignal,
		done:     make(chan struct{}),
	}
	opts.OnSignal = h.handleSignal
	h.lock = coord.NewLock(fileID, opts)
	return h
}

// FileID returns the file the handle locks.
func (h *Handle) FileID() blob.FileID {
	return h.lock.FileID()
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Held reports whether the handle currently holds a live grant.
func (h *Handle) Held() bool {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	return state.holding() && h.lock.Held()
}

// Info returns the last known grant.
func (h *Handle) Info() lockservice.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Mode returns the requested mode, or "" before any acquisition.
func (h *Handle) Mode() lockservice.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Err returns the error that moved the handle to StateError.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// transitionLocked moves to s and closes Done on terminal states. Caller
// holds mu.
func (h *Handle) transitionLocked(s State) {
	logger.Debug("Lock handle: file=%s %s -> %s", h.lock.FileID(), h.state, s)
	h.state = s
	if s.Terminal() {
		h.doneOnce.Do(func() { close(h.done) })
	}
}

// ============================================================================
// Acquisition
// ============================================================================

// AcquireRead requests shared access with the handle's wait budget.
func (h *Handle) AcquireRead(ctx context.Context) (Outcome, error) {
	return h.acquire(ctx, lockservice.ModeRead)
}

// AcquireWrite requests exclusive access with the handle's wait budget.
func (h *Handle) AcquireWrite(ctx context.Context) (Outcome, error) {
	return h.acquire(ctx, lockservice.ModeWrite)
}

// acquire resolves to exactly one of locked, timed-out (both with a nil
// error) or an error that leaves the handle in StateError.
func (h *Handle) acquire(ctx context.Context, mode lockservice.Mode) (Outcome, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if h.state != StateUnheld {
		state := h.state
		h.mu.Unlock()
		return 0, fmt.Errorf("acquire in state %s: %w", state, ErrInvalidState)
	}
	h.mode = mode
	h.transitionLocked(StatePending)
	h.mu.Unlock()

	var (
		info lockservice.Info
		err  error
	)
	if mode == lockservice.ModeWrite {
		info, err = h.lock.AcquireWrite(ctx)
	} else {
		info, err = h.lock.AcquireRead(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil && h.state == StateExpired:
		// The TTL ran out before the grant was even reported.
		h.info = info
		return 0, ErrLockExpired
	case err == nil:
		h.info = info
		h.transitionLocked(StateHeld)
		return OutcomeLocked, nil
	case errors.Is(err, lockservice.ErrTimeout):
		h.transitionLocked(StateTimedOut)
		return OutcomeTimedOut, nil
	default:
		h.err = err
		h.transitionLocked(StateError)
		return 0, err
	}
}

// ============================================================================
// Renew / Release / Remove
// ============================================================================

// Renew extends the grant. Valid from held or expiring.
//
// Returns:
//   - lockservice.Info: The renewed grant
//   - error: ErrRenewInFlight if another renewal has not resolved,
//     ErrInvalidState if not held, ErrLockExpired if the lock expired
//     before or during the renewal, or the lock service error (the handle
//     stays held in that case)
func (h *Handle) Renew(ctx context.Context) (lockservice.Info, error) {
	h.mu.Lock()
	switch {
	case h.state == StateRenewing:
		h.mu.Unlock()
		return lockservice.Info{}, ErrRenewInFlight
	case h.state == StateExpired:
		h.mu.Unlock()
		return lockservice.Info{}, ErrLockExpired
	case h.state != StateHeld && h.state != StateExpiring:
		state := h.state
		h.mu.Unlock()
		return lockservice.Info{}, fmt.Errorf("renew in state %s: %w", state, ErrInvalidState)
	}
	h.transitionLocked(StateRenewing)
	h.mu.Unlock()

	h.opMu.Lock()
	defer h.opMu.Unlock()

	// A release queued ahead of us may have won the operation mutex.
	h.mu.Lock()
	if h.state != StateRenewing {
		state := h.state
		h.mu.Unlock()
		if state == StateExpired {
			return lockservice.Info{}, ErrLockExpired
		}
		return lockservice.Info{}, fmt.Errorf("renew in state %s: %w", state, ErrInvalidState)
	}
	h.mu.Unlock()

	info, err := h.lock.Renew(ctx)

	h.mu.Lock()
	if h.state == StateExpired {
		h.mu.Unlock()
		return lockservice.Info{}, ErrLockExpired
	}
	if err != nil {
		if errors.Is(err, lockservice.ErrNotHeld) {
			h.mu.Unlock()
			h.expire()
			return lockservice.Info{}, ErrLockExpired
		}
		h.transitionLocked(StateHeld)
		h.mu.Unlock()
		return lockservice.Info{}, err
	}
	h.info = info
	h.transitionLocked(StateHeld)
	h.mu.Unlock()
	return info, nil
}

// Release gives the lock up. Valid from held, expiring or renewing (a
// release issued during a renewal runs after it).
//
// Idempotent: on a handle that is already released, expired, timed out or
// errored it returns nil without contacting the lock service. If the service
// reports that the holder entry is gone, the handle moves to StateExpired and
// ErrLockExpired is returned.
func (h *Handle) Release(ctx context.Context) error {
	_, err := h.finish(ctx, false)
	return err
}

// RemoveLock is Release plus deletion of the lock document. Used only when
// the file itself is being deleted.
func (h *Handle) RemoveLock(ctx context.Context) error {
	_, err := h.finish(ctx, true)
	return err
}

// finish releases or removes the lock. It reports whether this call is the
// one that moved the handle to StateReleased.
func (h *Handle) finish(ctx context.Context, remove bool) (bool, error) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	if state.Terminal() {
		return false, nil
	}
	if !state.holding() {
		return false, fmt.Errorf("release in state %s: %w", state, ErrInvalidState)
	}

	var err error
	if remove {
		err = h.lock.Remove(ctx)
	} else {
		_, err = h.lock.Release(ctx)
	}

	if errors.Is(err, lockservice.ErrNotHeld) {
		h.expire()
		return false, ErrLockExpired
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateExpired {
		return false, ErrLockExpired
	}
	h.transitionLocked(StateReleased)
	return true, err
}

// ============================================================================
// Signals
// ============================================================================

func (h *Handle) handleSignal(s lockservice.Signal) {
	switch s {
	case lockservice.SignalExpiresSoon:
		h.mu.Lock()
		if h.state == StateHeld {
			h.transitionLocked(StateExpiring)
		}
		live := h.state.holding()
		h.mu.Unlock()
		if live && h.onSignal != nil {
			h.onSignal(s)
		}
	case lockservice.SignalExpired:
		h.expire()
	}
}

// expire moves the handle to StateExpired and forwards the signal exactly
// once.
func (h *Handle) expire() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.transitionLocked(StateExpired)
	h.mu.Unlock()

	logger.Debug("Lock handle expired: file=%s", h.lock.FileID())
	if h.onSignal != nil {
		h.onSignal(lockservice.SignalExpired)
	}
}
