package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// WriteStream is a blob writer covered by an exclusive lock.
//
// Lifecycle:
//   - Close finalizes the file, then releases the lock
//   - A failed Write aborts the file and releases the lock in the background
//   - If the lock expires first, the writer is aborted (chunks already
//     flushed stay in the store), EventExpired is emitted and every further
//     Write or Close returns ErrLockExpired
//
// Events are delivered on Events until the stream is finished, after which
// the channel is closed and Done is closed.
//
// Thread Safety:
// Safe for concurrent use, although concurrent Writes interleave
// unpredictably.
type WriteStream struct {
	locker *Locker
	fileID blob.FileID
	handle *Handle
	events *emitter

	// ctx scopes the writer's I/O. It is detached from the caller and
	// cancelled once the lock expires or the stream finishes.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	writer  blob.Writer
	closed  bool
	expired bool
	failed  error
}

func newWriteStream(ctx context.Context, l *Locker, id blob.FileID) *WriteStream {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &WriteStream{
		locker: l,
		fileID: id,
		events: newEmitter(id),
		ctx:    sctx,
		cancel: cancel,
	}
}

// attach installs the blob writer once the lock is held. If the lock
// expired in between, the writer is discarded.
func (s *WriteStream) attach(w blob.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		_ = w.Abort()
		return ErrLockExpired
	}
	s.writer = w
	return nil
}

// FileID returns the identifier being written.
func (s *WriteStream) FileID() blob.FileID {
	return s.fileID
}

// Events returns the stream's event channel. It is closed once the stream
// is finished.
func (s *WriteStream) Events() <-chan Event {
	return s.events.events()
}

// Done is closed once the stream is finished and no more events follow.
func (s *WriteStream) Done() <-chan struct{} {
	return s.events.done
}

// HeldLock reports whether the stream's lock is currently held.
func (s *WriteStream) HeldLock() bool {
	return s.handle.Held()
}

// LockInfo returns the last known grant.
func (s *WriteStream) LockInfo() lockservice.Info {
	return s.handle.Info()
}

// LockState returns the state of the stream's lock handle.
func (s *WriteStream) LockState() State {
	return s.handle.State()
}

// BytesWritten returns the number of bytes accepted so far.
func (s *WriteStream) BytesWritten() int64 {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.BytesWritten()
}

// ============================================================================
// I/O
// ============================================================================

// Write appends p to the file. A Write interrupted by expiry returns
// ErrLockExpired.
func (s *WriteStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.expired:
		s.mu.Unlock()
		return 0, ErrLockExpired
	case s.failed != nil:
		err := s.failed
		s.mu.Unlock()
		return 0, err
	case s.closed:
		s.mu.Unlock()
		return 0, blob.ErrClosed
	}
	w := s.writer
	s.mu.Unlock()

	n, err := w.Write(p)
	if err == nil {
		return n, nil
	}

	s.mu.Lock()
	switch {
	case s.expired:
		s.mu.Unlock()
		return n, ErrLockExpired
	case s.closed || s.failed != nil:
		// Finished concurrently; that path owns the release.
		s.mu.Unlock()
		return n, err
	}
	s.failed = err
	s.mu.Unlock()

	_ = w.Abort()
	go s.releaseAfterError(err)
	return n, err
}

// Close finalizes the file and releases the lock.
//
// If the lock turns out to have expired while the file was being finalized,
// the data is kept, EventLostWriteWindow is emitted and Close returns nil.
//
// Returns:
//   - error: ErrLockExpired if the lock expired before Close, blob.ErrClosed
//     on a second Close, the blob store error if finalization failed, or
//     the lock service error if the release failed
func (s *WriteStream) Close() error {
	s.mu.Lock()
	switch {
	case s.expired:
		s.mu.Unlock()
		return ErrLockExpired
	case s.failed != nil:
		err := s.failed
		s.mu.Unlock()
		return err
	case s.closed:
		s.mu.Unlock()
		return blob.ErrClosed
	}
	s.closed = true
	w := s.writer
	s.mu.Unlock()

	err := w.Close()
	written := w.BytesWritten()
	if err != nil {
		s.mu.Lock()
		s.failed = err
		s.mu.Unlock()
		go s.releaseAfterError(err)
		return err
	}
	s.cancel()

	ctx, cancel := releaseContext(s.ctx)
	defer cancel()
	defer s.events.close()

	released, rerr := s.handle.finish(ctx, false)
	switch {
	case errors.Is(rerr, ErrLockExpired) || s.handle.State() == StateExpired:
		s.lostWriteWindow(written)
		return nil
	case rerr != nil:
		logger.Warn("Failed to release write lock after close: file=%s error=%v", s.fileID, rerr)
		return fmt.Errorf("failed to release lock of %s: %w", s.fileID, rerr)
	}
	if released {
		s.recordReleased()
	}

	logger.Debug("Write stream closed: file=%s bytes=%d", s.fileID, written)
	return nil
}

// Abort discards the write and releases the lock. Chunks already flushed
// stay in the store; without a manifest the file does not exist. Abort on a
// finished stream is a no-op.
func (s *WriteStream) Abort() error {
	s.mu.Lock()
	if s.closed || s.expired || s.failed != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.writer
	s.mu.Unlock()

	s.cancel()
	_ = w.Abort()

	ctx, cancel := releaseContext(s.ctx)
	defer cancel()
	defer s.events.close()

	released, err := s.handle.finish(ctx, false)
	if errors.Is(err, ErrLockExpired) {
		return nil
	}
	if released {
		s.recordReleased()
	}
	return err
}

// ============================================================================
// Lock control
// ============================================================================

// ReleaseLock releases the lock while keeping the stream open. Writes after
// an explicit release are no longer protected; Close then only finalizes.
func (s *WriteStream) ReleaseLock(ctx context.Context) error {
	released, err := s.handle.finish(ctx, false)
	if released {
		s.recordReleased()
	}
	return err
}

// RenewLock extends the lock by its TTL and emits EventRenewed.
func (s *WriteStream) RenewLock(ctx context.Context) (lockservice.Info, error) {
	info, err := s.handle.Renew(ctx)
	if err != nil {
		return info, err
	}
	s.events.emit(EventRenewed, info, 0)
	return info, nil
}

// ============================================================================
// Internals
// ============================================================================

// onSignal receives the handle's expiry signals.
func (s *WriteStream) onSignal(sig lockservice.Signal) {
	switch sig {
	case lockservice.SignalExpiresSoon:
		s.events.emit(EventExpiresSoon, s.handle.Info(), 0)

	case lockservice.SignalExpired:
		s.mu.Lock()
		aborted := !s.closed && s.failed == nil
		if aborted {
			s.expired = true
		}
		w := s.writer
		s.mu.Unlock()

		// A closing stream keeps its context so finalization can complete.
		var written int64
		if aborted {
			s.cancel()
			if w != nil {
				_ = w.Abort()
				written = w.BytesWritten()
			}
		}

		info := s.handle.Info()
		s.locker.metrics.RecordExpired(string(lockservice.ModeWrite))
		logger.Debug("Write lock expired: file=%s owner=%s", s.fileID, info.Owner)
		s.events.emit(EventExpired, info, 0)

		// A closing or failed stream finishes on its own path.
		if aborted {
			if written > 0 {
				s.lostWriteWindow(written)
			}
			s.events.close()
		}
	}
}

// releaseAfterError releases the lock of a stream that failed. It runs
// detached from the caller, so its own failure is only logged.
func (s *WriteStream) releaseAfterError(cause error) {
	s.cancel()
	ctx, cancel := releaseContext(s.ctx)
	defer cancel()
	defer s.events.close()

	logger.Debug("Releasing write lock after stream error: file=%s error=%v", s.fileID, cause)

	released, err := s.handle.finish(ctx, false)
	if err != nil && !errors.Is(err, ErrLockExpired) {
		logger.Warn("Failed to release write lock after stream error: file=%s error=%v", s.fileID, err)
		return
	}
	if released {
		s.recordReleased()
	}
}

func (s *WriteStream) lostWriteWindow(written int64) {
	info := s.handle.Info()
	logger.Warn("Write lock expired before the stream finished: file=%s bytes=%d expired_at=%s",
		s.fileID, written, info.ExpiresAt.Format(time.RFC3339Nano))
	s.locker.metrics.RecordLostWriteWindow()
	s.events.emit(EventLostWriteWindow, info, written)
}

func (s *WriteStream) recordReleased() {
	info := s.handle.Info()
	s.locker.metrics.ObserveRelease(string(lockservice.ModeWrite), time.Since(info.AcquiredAt))
	s.events.emit(EventReleased, info, 0)
}
