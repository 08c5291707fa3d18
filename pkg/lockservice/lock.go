package lockservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/internal/ratelimiter"
	"github.com/marmos91/dittolock/pkg/blob"
)

// cleanupTimeout bounds best-effort record cleanup that runs after the
// caller's context is already done.
const cleanupTimeout = 5 * time.Second

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Lock is a client for one named lock.
//
// A Lock is reusable: after a release or expiry it can be acquired again. It
// holds at most one grant at a time under an owner identity unique to the
// Lock.
//
// Thread Safety:
// All methods are safe for concurrent use. The lock service does not order
// concurrent operations on the same Lock; callers that need strict
// acquire/renew/release ordering serialize them (see pkg/locking).
type Lock struct {
	c      *Coordinator
	fileID blob.FileID
	key    string
	owner  string
	opts   LockOptions

	mu          sync.Mutex
	held        bool
	info        Info
	gen         uint64
	soonTimer   *time.Timer
	expireTimer *time.Timer
}

func newLock(c *Coordinator, fileID blob.FileID, opts LockOptions) *Lock {
	return &Lock{
		c:      c,
		fileID: fileID,
		key:    c.key(fileID),
		owner:  c.opts.Owner + "/" + uuid.NewString(),
		opts:   opts,
	}
}

// FileID returns the file the lock protects.
func (l *Lock) FileID() blob.FileID {
	return l.fileID
}

// Owner returns the owner identity written into lock documents.
func (l *Lock) Owner() string {
	return l.owner
}

// Options returns the resolved lock options.
func (l *Lock) Options() LockOptions {
	return l.opts
}

// Held reports whether the lock is currently granted and not past its
// expiry.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && time.Now().Before(l.info.ExpiresAt)
}

// Info returns the snapshot of the current grant.
func (l *Lock) Info() (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info, l.held
}

// ============================================================================
// Acquisition
// ============================================================================

// AcquireRead requests shared access.
//
// Returns:
//   - Info: The granted holder entry
//   - error: ErrTimeout when the wait budget elapsed without a grant,
//     ErrAlreadyHeld, ErrClosed, context or record store errors
func (l *Lock) AcquireRead(ctx context.Context) (Info, error) {
	return l.acquire(ctx, ModeRead)
}

// AcquireWrite requests exclusive access.
//
// While waiting, the Lock registers a write request in the document so that
// new readers are refused until this writer is served or gives up. The
// request is cleared when the wait budget elapses.
func (l *Lock) AcquireWrite(ctx context.Context) (Info, error) {
	return l.acquire(ctx, ModeWrite)
}

func (l *Lock) acquire(ctx context.Context, mode Mode) (Info, error) {
	if err := l.c.checkOpen(); err != nil {
		return Info{}, err
	}

	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return Info{}, ErrAlreadyHeld
	}
	l.mu.Unlock()

	var deadline time.Time
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.opts.WaitBudget > 0 {
		deadline = time.Now().Add(l.opts.WaitBudget)
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	limiter := ratelimiter.Every(l.opts.PollInterval, 1)
	limiter.Delay() // the first attempt is never paced

	requested := false
	contended := false

	for {
		wake := l.c.waitChan(l.fileID)

		granted, placed, err := l.tryAcquire(waitCtx, mode, deadline)
		requested = requested || placed
		if err != nil {
			if ctx.Err() == nil && waitCtx.Err() != nil {
				return Info{}, l.timedOut(ctx, mode, requested)
			}
			if requested {
				l.clearRequest(ctx)
			}
			return Info{}, err
		}

		if granted != nil {
			return l.grant(*granted), nil
		}

		if !contended {
			contended = true
			logger.Info("Lock contended: file=%s mode=%s owner=%s", l.fileID, mode, l.owner)
		}

		if l.opts.WaitBudget < 0 {
			return Info{}, l.timedOut(ctx, mode, requested)
		}

		timer := time.NewTimer(limiter.Delay())
		select {
		case <-wake:
		case <-timer.C:
		case <-waitCtx.Done():
			timer.Stop()
			if err := ctx.Err(); err != nil {
				if requested {
					l.clearRequest(ctx)
				}
				return Info{}, err
			}
			return Info{}, l.timedOut(ctx, mode, requested)
		}
		timer.Stop()
	}
}

// tryAcquire makes one grant attempt. It returns the granted holder, or
// reports whether a write request was placed.
func (l *Lock) tryAcquire(ctx context.Context, mode Mode, deadline time.Time) (*Holder, bool, error) {
	var granted *Holder
	var placed bool

	_, err := l.c.store.Update(ctx, l.key, func(doc *Document) (*Document, error) {
		granted, placed = nil, false

		now := time.Now()
		doc.FileID = l.fileID
		doc.Purge(now)

		switch {
		case doc.CanGrant(l.owner, mode):
			doc.RemoveHolder(l.owner)
			h := Holder{
				Owner:      l.owner,
				Mode:       mode,
				AcquiredAt: now,
				ExpiresAt:  now.Add(l.opts.TTL),
			}
			doc.Holders = append(doc.Holders, h)
			if doc.WriteRequest != nil && doc.WriteRequest.Owner == l.owner {
				doc.WriteRequest = nil
			}
			granted = &h

		case mode == ModeWrite && !deadline.IsZero() &&
			(doc.WriteRequest == nil || doc.WriteRequest.Owner == l.owner):
			doc.WriteRequest = &Request{Owner: l.owner, ExpiresAt: deadline}
			placed = true

		default:
			return nil, errUnchanged
		}

		doc.UpdatedAt = now
		return doc, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return granted, placed, nil
}

// timedOut finishes an acquisition whose wait budget elapsed.
func (l *Lock) timedOut(ctx context.Context, mode Mode, requested bool) error {
	if requested {
		l.clearRequest(ctx)
	}
	logger.Debug("Lock acquisition timed out: file=%s mode=%s owner=%s wait=%s",
		l.fileID, mode, l.owner, l.opts.WaitBudget)
	return ErrTimeout
}

// clearRequest removes this Lock's pending write request. Failures are
// logged; the request expires on its own at the original deadline.
func (l *Lock) clearRequest(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, err := l.c.store.Update(cctx, l.key, func(doc *Document) (*Document, error) {
		if doc.WriteRequest == nil || doc.WriteRequest.Owner != l.owner {
			return nil, errUnchanged
		}
		now := time.Now()
		doc.WriteRequest = nil
		doc.Purge(now)
		doc.UpdatedAt = now
		return doc, nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		logger.Warn("Failed to clear write request: file=%s owner=%s error=%v", l.fileID, l.owner, err)
		return
	}
	l.c.notify(l.fileID)
}

// grant records a successful acquisition and arms the expiry timers.
func (l *Lock) grant(h Holder) Info {
	l.mu.Lock()
	l.held = true
	l.info = l.infoFrom(h)
	l.armLocked()
	info := l.info
	l.mu.Unlock()

	logger.Debug("Lock granted: file=%s mode=%s owner=%s expires=%s",
		l.fileID, h.Mode, l.owner, h.ExpiresAt.Format(time.RFC3339Nano))
	return info
}

func (l *Lock) infoFrom(h Holder) Info {
	return Info{
		FileID:     l.fileID,
		Owner:      h.Owner,
		Mode:       h.Mode,
		AcquiredAt: h.AcquiredAt,
		ExpiresAt:  h.ExpiresAt,
		Renewals:   h.Renewals,
	}
}

// ============================================================================
// Renew / Release / Remove
// ============================================================================

// Renew extends the grant by the TTL, measured from now.
//
// Returns ErrNotHeld if the lock is not held locally or its holder entry is
// gone from the record (expired and purged). If the lock expires or is
// released while the renewal is in flight, the renewal is discarded and the
// entry it refreshed is dropped again.
func (l *Lock) Renew(ctx context.Context) (Info, error) {
	if err := l.c.checkOpen(); err != nil {
		return Info{}, err
	}

	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return Info{}, ErrNotHeld
	}
	gen := l.gen
	l.mu.Unlock()

	var renewed Holder
	_, err := l.c.store.Update(ctx, l.key, func(doc *Document) (*Document, error) {
		now := time.Now()
		doc.FileID = l.fileID
		doc.Purge(now)

		i := doc.Holder(l.owner)
		if i < 0 {
			return nil, ErrNotHeld
		}
		doc.Holders[i].ExpiresAt = now.Add(l.opts.TTL)
		doc.Holders[i].Renewals++
		renewed = doc.Holders[i]
		doc.UpdatedAt = now
		return doc, nil
	})
	if err != nil {
		return Info{}, err
	}

	l.mu.Lock()
	if !l.held || l.gen != gen {
		l.mu.Unlock()
		if derr := l.dropHolder(ctx, false); derr != nil && !errors.Is(derr, ErrNotHeld) {
			logger.Warn("Failed to drop discarded renewal: file=%s owner=%s error=%v", l.fileID, l.owner, derr)
		}
		return Info{}, ErrNotHeld
	}
	l.info = l.infoFrom(renewed)
	l.armLocked()
	info := l.info
	l.mu.Unlock()

	logger.Debug("Lock renewed: file=%s owner=%s renewals=%d expires=%s",
		l.fileID, l.owner, renewed.Renewals, renewed.ExpiresAt.Format(time.RFC3339Nano))
	return info, nil
}

// Release gives the lock up immediately regardless of remaining TTL. The
// document is kept so it can be reused by the next holder.
//
// Returns the released grant. ErrNotHeld means the lock was not held locally
// or the record no longer listed this holder.
func (l *Lock) Release(ctx context.Context) (Info, error) {
	info, err := l.relinquish()
	if err != nil {
		return Info{}, err
	}

	err = l.dropHolder(ctx, false)
	l.c.notify(l.fileID)
	if err != nil {
		return info, err
	}

	logger.Debug("Lock released: file=%s mode=%s owner=%s", l.fileID, info.Mode, l.owner)
	return info, nil
}

// Remove releases the lock and deletes the document when no other holder
// remains. Used for files that are themselves being deleted.
func (l *Lock) Remove(ctx context.Context) error {
	info, err := l.relinquish()
	if err != nil {
		return err
	}

	err = l.dropHolder(ctx, true)
	l.c.notify(l.fileID)
	if err != nil {
		return err
	}

	logger.Debug("Lock removed: file=%s mode=%s owner=%s", l.fileID, info.Mode, l.owner)
	return nil
}

// relinquish clears local state and stops the timers.
func (l *Lock) relinquish() (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return Info{}, ErrNotHeld
	}
	l.held = false
	l.gen++
	l.stopTimersLocked()
	return l.info, nil
}

// dropHolder removes this owner's entry, deleting the document when
// deleteIfEmpty is set and no holder is left.
func (l *Lock) dropHolder(ctx context.Context, deleteIfEmpty bool) error {
	_, err := l.c.store.Update(ctx, l.key, func(doc *Document) (*Document, error) {
		now := time.Now()
		doc.FileID = l.fileID
		doc.Purge(now)

		if !doc.RemoveHolder(l.owner) {
			return nil, ErrNotHeld
		}
		if deleteIfEmpty && len(doc.Holders) == 0 {
			return nil, nil
		}
		doc.UpdatedAt = now
		return doc, nil
	})
	return err
}

// ============================================================================
// Expiry timers
// ============================================================================

// armLocked (re)schedules the expires-soon and expired timers for the
// current grant. Caller holds mu.
func (l *Lock) armLocked() {
	l.stopTimersLocked()
	l.gen++
	gen := l.gen

	ttl := time.Until(l.info.ExpiresAt)
	soon := ttl - l.opts.RenewalMargin
	if soon < 0 {
		soon = 0
	}

	l.soonTimer = time.AfterFunc(soon, func() { l.expiresSoon(gen) })
	l.expireTimer = time.AfterFunc(ttl, func() { l.expire(gen) })
}

func (l *Lock) stopTimersLocked() {
	if l.soonTimer != nil {
		l.soonTimer.Stop()
		l.soonTimer = nil
	}
	if l.expireTimer != nil {
		l.expireTimer.Stop()
		l.expireTimer = nil
	}
}

func (l *Lock) expiresSoon(gen uint64) {
	l.mu.Lock()
	if !l.held || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	logger.Debug("Lock expires soon: file=%s owner=%s", l.fileID, l.owner)
	l.signal(SignalExpiresSoon)
}

func (l *Lock) expire(gen uint64) {
	l.mu.Lock()
	if !l.held || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.gen++
	l.stopTimersLocked()
	l.mu.Unlock()

	logger.Debug("Lock expired: file=%s owner=%s", l.fileID, l.owner)
	l.c.notify(l.fileID)
	l.signal(SignalExpired)
}

func (l *Lock) signal(s Signal) {
	if l.opts.OnSignal != nil {
		l.opts.OnSignal(s)
	}
}
