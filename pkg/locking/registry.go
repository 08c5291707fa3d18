package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// OpenFunc constructs a coordinator for root. It is called at most once per
// successful initialization.
type OpenFunc func(ctx context.Context, root string) (*lockservice.Coordinator, error)

// StoreOpener returns an OpenFunc that opens coordinators on store with opts.
func StoreOpener(store lockservice.RecordStore, opts lockservice.Options) OpenFunc {
	return func(ctx context.Context, root string) (*lockservice.Coordinator, error) {
		return lockservice.Open(ctx, root, opts, store)
	}
}

// initCall is one in-flight coordinator initialization. Waiters block on
// done and then read coord/err.
type initCall struct {
	done  chan struct{}
	coord *lockservice.Coordinator
	err   error
}

// Registry lazily creates and caches the coordinator for one namespace root.
//
// Lifecycle:
//   - The first EnsureReady binds the root, even if initialization fails
//   - Exactly one initialization runs at a time; concurrent callers wait
//     for it and share its result, and a caller that gives up waiting does
//     not cancel it for the others
//   - A failed initialization caches nothing, so the next call retries
//   - Close tears the coordinator down; the registry is unusable afterwards
//
// Thread Safety:
// Safe for concurrent use by multiple goroutines.
type Registry struct {
	open OpenFunc

	mu       sync.Mutex
	root     string
	coord    *lockservice.Coordinator
	inflight *initCall
	closed   bool
}

// NewRegistry creates a registry that initializes coordinators with open.
func NewRegistry(open OpenFunc) *Registry {
	return &Registry{open: open}
}

// EnsureReady returns the cached coordinator, initializing it if needed.
//
// Parameters:
//   - ctx: Bounds this caller's wait only. The initialization runs detached
//     from every caller's cancellation, limited by initTimeout
//   - root: Namespace root; must match the root bound by the first call
//
// Returns:
//   - *lockservice.Coordinator: Ready coordinator
//   - error: *UsageError wrapping ErrRootMismatch (returned before any I/O),
//     ErrClosed, ctx.Err() if the caller gave up waiting, or the
//     initialization error
func (r *Registry) EnsureReady(ctx context.Context, root string) (*lockservice.Coordinator, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if root == "" {
		r.mu.Unlock()
		return nil, usageError("ensure ready", lockservice.ErrInvalidRoot)
	}
	if r.root != "" && r.root != root {
		bound := r.root
		r.mu.Unlock()
		return nil, usageError("ensure ready",
			fmt.Errorf("%w: bound to %q, requested %q", ErrRootMismatch, bound, root))
	}
	r.root = root

	if r.coord != nil {
		coord := r.coord
		r.mu.Unlock()
		return coord, nil
	}

	call := r.inflight
	if call == nil {
		call = &initCall{done: make(chan struct{})}
		r.inflight = call
		go r.initialize(context.WithoutCancel(ctx), root, call)
	}
	r.mu.Unlock()

	select {
	case <-call.done:
		return call.coord, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// initTimeout bounds one coordinator initialization.
const initTimeout = 30 * time.Second

// initialize runs one initialization and publishes its result to call.
func (r *Registry) initialize(ctx context.Context, root string, call *initCall) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	logger.Debug("Initializing lock coordinator: root=%s", root)
	coord, err := r.open(ctx, root)

	r.mu.Lock()
	r.inflight = nil
	switch {
	case err != nil:
		logger.Warn("Lock coordinator initialization failed: root=%s error=%v", root, err)
	case r.closed:
		_ = coord.Close()
		coord, err = nil, ErrClosed
	default:
		r.coord = coord
	}
	r.mu.Unlock()

	call.coord, call.err = coord, err
	close(call.done)
}

// Root returns the bound root, or "" if no call has bound one yet.
func (r *Registry) Root() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// Coordinator returns the cached coordinator without initializing it.
func (r *Registry) Coordinator() (*lockservice.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coord, r.coord != nil
}

// Close tears down the cached coordinator. An initialization still in flight
// is closed as soon as it completes. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	coord := r.coord
	r.coord = nil
	r.mu.Unlock()

	if coord == nil {
		return nil
	}
	return coord.Close()
}
