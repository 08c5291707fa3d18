// Package lockservice implements named read/write locks with a TTL on top of
// a pluggable RecordStore.
//
// A Coordinator binds a namespace root to a RecordStore. Locks created from
// it store one Document per FileID under "<root>/<fileID>". Acquisition polls
// the store (paced by a token bucket) until the lock is granted or the wait
// budget elapses; releases within the same process wake waiters early.
// Expiry is tracked locally with timers and delivered as signals.
//
// The service assumes roughly synchronized clocks among processes sharing a
// record store.
package lockservice

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
)

// Coordinator is the namespace-bound entry point of the lock service.
//
// Thread Safety:
// Safe for concurrent use by multiple goroutines.
type Coordinator struct {
	root  string
	opts  Options
	store RecordStore

	mu      sync.Mutex
	waiters map[blob.FileID]chan struct{}
	closed  bool
}

// Open creates a coordinator for root and waits for the record store to be
// ready.
//
// Parameters:
//   - ctx: Context for the readiness check
//   - root: Namespace root; immutable for the life of the coordinator
//   - opts: Lock timing defaults
//   - store: Record store shared with every other process using root
//
// Returns:
//   - *Coordinator: Ready coordinator
//   - error: ErrInvalidRoot, or the store's ping error (no coordinator is
//     returned in that case)
func Open(ctx context.Context, root string, opts Options, store RecordStore) (*Coordinator, error) {
	if root == "" {
		return nil, ErrInvalidRoot
	}
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}

	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("lock record store not ready: %w", err)
	}

	opts = opts.withDefaults()
	logger.Debug("Lock coordinator ready: root=%s owner=%s ttl=%s wait=%s",
		root, opts.Owner, opts.DefaultTTL, opts.WaitBudget)

	return &Coordinator{
		root:    root,
		opts:    opts,
		store:   store,
		waiters: make(map[blob.FileID]chan struct{}),
	}, nil
}

// Root returns the namespace root the coordinator is bound to.
func (c *Coordinator) Root() string {
	return c.root
}

// Options returns the effective coordinator options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// NewLock creates an unheld lock on fileID. No I/O happens until an
// acquisition is requested.
func (c *Coordinator) NewLock(fileID blob.FileID, opts LockOptions) *Lock {
	return newLock(c, fileID, opts.resolve(c.opts))
}

// Inspect returns the current lock document of fileID, or ErrNotFound.
// Expired entries are reported as stored; they are purged only by the next
// mutation.
func (c *Coordinator) Inspect(ctx context.Context, fileID blob.FileID) (*Document, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, c.key(fileID))
}

// Close marks the coordinator closed and closes the record store. Locks that
// are still held are left to expire.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	logger.Debug("Lock coordinator closed: root=%s", c.root)
	return c.store.Close()
}

func (c *Coordinator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// key builds the record key for fileID. Both parts are escaped so that
// separators inside either never make two keys collide.
func (c *Coordinator) key(fileID blob.FileID) string {
	return url.PathEscape(c.root) + "/" + url.PathEscape(string(fileID))
}

// waitChan returns a channel that is closed on the next local state change
// of fileID (release, removal, expiry, cleared request).
func (c *Coordinator) waitChan(fileID blob.FileID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiters[fileID]
	if !ok {
		ch = make(chan struct{})
		if c.closed {
			close(ch)
			return ch
		}
		c.waiters[fileID] = ch
	}
	return ch
}

// notify wakes every local waiter on fileID.
func (c *Coordinator) notify(fileID blob.FileID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.waiters[fileID]; ok {
		close(ch)
		delete(c.waiters, fileID)
	}
}
