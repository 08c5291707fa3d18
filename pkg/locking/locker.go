package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// LockTiming overrides the coordinator's lock timing for one operation. Zero
// fields inherit the Locker defaults, which in turn inherit the coordinator
// defaults.
type LockTiming struct {
	TTL           time.Duration
	WaitBudget    time.Duration
	RenewalMargin time.Duration
	PollInterval  time.Duration
}

// merge returns t with zero fields taken from base.
func (t LockTiming) merge(base LockTiming) LockTiming {
	if t.TTL == 0 {
		t.TTL = base.TTL
	}
	if t.WaitBudget == 0 {
		t.WaitBudget = base.WaitBudget
	}
	if t.RenewalMargin == 0 {
		t.RenewalMargin = base.RenewalMargin
	}
	if t.PollInterval == 0 {
		t.PollInterval = base.PollInterval
	}
	return t
}

func (t LockTiming) lockOptions() lockservice.LockOptions {
	return lockservice.LockOptions{
		TTL:           t.TTL,
		WaitBudget:    t.WaitBudget,
		RenewalMargin: t.RenewalMargin,
		PollInterval:  t.PollInterval,
	}
}

// Options configures a Locker.
type Options struct {
	// Root is the namespace every operation of this Locker runs in.
	Root string

	// Lock holds default lock timing for all operations.
	Lock LockTiming

	// Metrics is optional.
	Metrics Metrics
}

// WriteOptions configures OpenWrite.
type WriteOptions struct {
	// FileID is optional; a fresh identifier is generated when empty.
	FileID string

	// Root must be empty or equal to the Locker root.
	Root string

	Filename    string
	ContentType string
	Metadata    map[string]string

	Lock LockTiming
}

// ReadOptions configures OpenRead.
type ReadOptions struct {
	FileID string
	Root   string

	// Offset and Length select a byte range; zero values read everything.
	Offset int64
	Length int64

	Lock LockTiming
}

// RemoveOptions configures Remove.
type RemoveOptions struct {
	FileID string
	Root   string
	Lock   LockTiming
}

// ExistsOptions configures Exists.
type ExistsOptions struct {
	FileID string
	Root   string
}

// Locker couples a blob store with a lock coordinator so that every stream
// it opens is covered by a lock of the matching mode for its whole lifetime.
//
// Contention is not an error: OpenWrite, OpenRead and Remove report a lock
// that could not be acquired within the wait budget as a nil stream (or
// false) with a nil error.
//
// Thread Safety:
// Safe for concurrent use by multiple goroutines.
type Locker struct {
	store    blob.Store
	registry *Registry
	root     string
	timing   LockTiming
	metrics  Metrics
}

// New creates a Locker. The coordinator is initialized lazily by the first
// operation.
//
// Returns a *UsageError when root is empty or the registry is already bound
// to another root.
func New(store blob.Store, registry *Registry, opts Options) (*Locker, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("lock registry is required")
	}
	if opts.Root == "" {
		return nil, usageError("new locker", lockservice.ErrInvalidRoot)
	}
	if bound := registry.Root(); bound != "" && bound != opts.Root {
		return nil, usageError("new locker", fmt.Errorf("%w: registry bound to %q, got %q", ErrRootMismatch, bound, opts.Root))
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Locker{
		store:    store,
		registry: registry,
		root:     opts.Root,
		timing:   opts.Lock,
		metrics:  metrics,
	}, nil
}

// Root returns the namespace root.
func (l *Locker) Root() string {
	return l.root
}

// Store returns the underlying blob store.
func (l *Locker) Store() blob.Store {
	return l.store
}

// ============================================================================
// Operations
// ============================================================================

// OpenWrite acquires a write lock and opens a writer on the file.
//
// Returns:
//   - *WriteStream: the open stream, or nil if the lock was not acquired
//     within the wait budget
//   - error: *UsageError for a root mismatch or unusable identifier, lock
//     service errors, blob store errors (the lock is released first)
func (l *Locker) OpenWrite(ctx context.Context, opts WriteOptions) (*WriteStream, error) {
	const op = "open write"

	if err := l.checkRoot(op, opts.Root); err != nil {
		return nil, err
	}

	id := blob.ParseFileID(opts.FileID)
	if id.IsZero() {
		id = blob.NewFileID()
	}
	if err := id.Validate(); err != nil {
		return nil, usageError(op, err)
	}

	coord, err := l.registry.EnsureReady(ctx, l.root)
	if err != nil {
		return nil, err
	}

	s := newWriteStream(ctx, l, id)
	s.handle = NewHandle(coord, id, opts.Lock.merge(l.timing).lockOptions(), s.onSignal)

	outcome, err := l.acquire(ctx, s.handle, lockservice.ModeWrite)
	if err != nil || outcome == OutcomeTimedOut {
		s.cancel()
		return nil, err
	}

	// The writer lives on the stream's context; the caller can still
	// cancel while it is being created.
	stop := context.AfterFunc(ctx, s.cancel)
	w, err := l.store.Create(s.ctx, id, blob.CreateOptions{
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
	})
	if !stop() && err == nil {
		err = ctx.Err()
		_ = w.Abort()
	}
	if err != nil {
		s.cancel()
		l.releaseAfterFailure(ctx, s.handle)
		return nil, err
	}

	if err := s.attach(w); err != nil {
		s.cancel()
		return nil, err
	}

	logger.Debug("Write stream opened: file=%s root=%s", id, l.root)
	return s, nil
}

// OpenRead acquires a read lock and opens a reader on the file.
//
// Returns:
//   - *ReadStream: the open stream, or nil if the lock was not acquired
//     within the wait budget
//   - error: *UsageError for a missing identifier or root mismatch,
//     blob.ErrNotFound for a missing file (the lock is released first),
//     lock service errors
func (l *Locker) OpenRead(ctx context.Context, opts ReadOptions) (*ReadStream, error) {
	const op = "open read"

	id, err := l.requireFileID(op, opts.FileID, opts.Root)
	if err != nil {
		return nil, err
	}

	coord, err := l.registry.EnsureReady(ctx, l.root)
	if err != nil {
		return nil, err
	}

	s := newReadStream(ctx, l, id)
	s.handle = NewHandle(coord, id, opts.Lock.merge(l.timing).lockOptions(), s.onSignal)

	outcome, err := l.acquire(ctx, s.handle, lockservice.ModeRead)
	if err != nil || outcome == OutcomeTimedOut {
		s.cancel()
		return nil, err
	}

	stop := context.AfterFunc(ctx, s.cancel)
	r, err := l.store.Open(s.ctx, id, blob.OpenOptions{Offset: opts.Offset, Length: opts.Length})
	if !stop() && err == nil {
		err = ctx.Err()
		_ = r.Close()
	}
	if err != nil {
		s.cancel()
		l.releaseAfterFailure(ctx, s.handle)
		return nil, err
	}

	if err := s.attach(r); err != nil {
		s.cancel()
		return nil, err
	}

	logger.Debug("Read stream opened: file=%s root=%s", id, l.root)
	return s, nil
}

// Remove deletes a file under a write lock and then deletes its lock
// document.
//
// Returns:
//   - bool: true once both the file and the lock document are gone; false
//     with a nil error if the lock was not acquired within the wait budget
//   - error: *UsageError, lock service errors, blob store errors (the lock
//     is released, not removed, before the error is returned)
func (l *Locker) Remove(ctx context.Context, opts RemoveOptions) (bool, error) {
	const op = "remove"

	id, err := l.requireFileID(op, opts.FileID, opts.Root)
	if err != nil {
		return false, err
	}

	coord, err := l.registry.EnsureReady(ctx, l.root)
	if err != nil {
		l.metrics.RecordRemove("error")
		return false, err
	}

	h := NewHandle(coord, id, opts.Lock.merge(l.timing).lockOptions(), nil)

	outcome, err := l.acquire(ctx, h, lockservice.ModeWrite)
	if err != nil {
		l.metrics.RecordRemove("error")
		return false, err
	}
	if outcome == OutcomeTimedOut {
		l.metrics.RecordRemove("timed-out")
		return false, nil
	}

	if err := l.store.Unlink(ctx, id); err != nil {
		l.releaseAfterFailure(ctx, h)
		l.metrics.RecordRemove("error")
		return false, fmt.Errorf("failed to unlink file %s: %w", id, err)
	}

	if err := h.RemoveLock(ctx); err != nil {
		l.metrics.RecordRemove("error")
		return false, fmt.Errorf("failed to remove lock of %s: %w", id, err)
	}

	l.metrics.RecordRemove("removed")
	logger.Debug("File removed: file=%s root=%s", id, l.root)
	return true, nil
}

// Exists reports whether a finalized file exists. It takes no lock.
func (l *Locker) Exists(ctx context.Context, opts ExistsOptions) (bool, error) {
	id, err := l.requireFileID("exists", opts.FileID, opts.Root)
	if err != nil {
		return false, err
	}
	return l.store.Exists(ctx, id)
}

// Inspect returns the lock document of a file without modifying it.
//
// Returns lockservice.ErrNotFound when no document exists.
func (l *Locker) Inspect(ctx context.Context, fileID string) (*lockservice.Document, error) {
	id, err := l.requireFileID("inspect", fileID, "")
	if err != nil {
		return nil, err
	}

	coord, err := l.registry.EnsureReady(ctx, l.root)
	if err != nil {
		return nil, err
	}
	return coord.Inspect(ctx, id)
}

// Close closes the registry (and with it the coordinator and record store)
// and the blob store. Open streams are not closed; their locks expire.
func (l *Locker) Close() error {
	regErr := l.registry.Close()
	storeErr := l.store.Close()
	return errors.Join(regErr, storeErr)
}

// ============================================================================
// Helpers
// ============================================================================

func (l *Locker) checkRoot(op, root string) error {
	if root != "" && root != l.root {
		return usageError(op, fmt.Errorf("%w: locker bound to %q, got %q", ErrRootMismatch, l.root, root))
	}
	return nil
}

// requireFileID validates the root and a caller-supplied identifier for
// operations that cannot generate one.
func (l *Locker) requireFileID(op, fileID, root string) (blob.FileID, error) {
	if err := l.checkRoot(op, root); err != nil {
		return "", err
	}

	id := blob.ParseFileID(fileID)
	if id.IsZero() {
		return "", usageError(op, ErrMissingFileID)
	}
	if err := id.Validate(); err != nil {
		return "", usageError(op, err)
	}
	return id, nil
}

// acquire runs the acquisition and records its outcome.
func (l *Locker) acquire(ctx context.Context, h *Handle, mode lockservice.Mode) (Outcome, error) {
	start := time.Now()

	var (
		outcome Outcome
		err     error
	)
	if mode == lockservice.ModeWrite {
		outcome, err = h.AcquireWrite(ctx)
	} else {
		outcome, err = h.AcquireRead(ctx)
	}

	label := outcome.String()
	if err != nil {
		label = "error"
	}
	l.metrics.ObserveAcquire(string(mode), label, time.Since(start))

	if outcome == OutcomeTimedOut {
		logger.Info("Lock not acquired within wait budget: file=%s mode=%s root=%s", h.FileID(), mode, l.root)
	}
	return outcome, err
}

// releaseAfterFailure releases a lock whose stream could not be set up.
// Failures are logged and never replace the caller's error.
func (l *Locker) releaseAfterFailure(ctx context.Context, h *Handle) {
	rctx, cancel := releaseContext(ctx)
	defer cancel()

	if err := h.Release(rctx); err != nil && !errors.Is(err, ErrLockExpired) {
		logger.Warn("Failed to release lock after error: file=%s error=%v", h.FileID(), err)
	}
}

// releaseTimeout bounds releases that run after the caller's context may
// already be cancelled.
const releaseTimeout = 10 * time.Second

func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}
