package locking

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// Termination identifies what finished a ReadStream.
type Termination int

const (
	// TerminationNone means the stream has not finished yet.
	TerminationNone Termination = iota

	// TerminationEnd means Read reached the end of the requested range.
	TerminationEnd

	// TerminationClose means Close was called before the end.
	TerminationClose

	// TerminationError means Read failed.
	TerminationError

	// TerminationExpired means the lock expired first.
	TerminationExpired
)

func (t Termination) String() string {
	switch t {
	case TerminationNone:
		return "none"
	case TerminationEnd:
		return "end"
	case TerminationClose:
		return "close"
	case TerminationError:
		return "error"
	case TerminationExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ReadStream is a blob reader covered by a shared lock.
//
// The first of end-of-data, Close or a read error finishes the stream and
// releases the lock; later ones are no-ops. A typical consumer reads to
// io.EOF (release happens there) and then calls Close (no-op).
//
// If the lock expires first, the reader is closed, EventExpired is emitted
// and further Reads return ErrLockExpired.
type ReadStream struct {
	locker *Locker
	fileID blob.FileID
	handle *Handle
	events *emitter

	// ctx scopes the reader's I/O. It is detached from the caller and
	// cancelled once the lock expires or the stream finishes.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	reader       io.ReadCloser
	readerClosed bool
	closed       bool
	expired      bool

	// finished latches the first termination. It is a CAS rather than a
	// sync.Once because expiry can be delivered from inside the release
	// that a termination triggers.
	finished    atomic.Bool
	termination atomic.Int32
}

func newReadStream(ctx context.Context, l *Locker, id blob.FileID) *ReadStream {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &ReadStream{
		locker: l,
		fileID: id,
		events: newEmitter(id),
		ctx:    sctx,
		cancel: cancel,
	}
}

func (s *ReadStream) attach(r io.ReadCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		_ = r.Close()
		return ErrLockExpired
	}
	s.reader = r
	return nil
}

// FileID returns the identifier being read.
func (s *ReadStream) FileID() blob.FileID {
	return s.fileID
}

// Events returns the stream's event channel. It is closed once the stream
// is finished.
func (s *ReadStream) Events() <-chan Event {
	return s.events.events()
}

// Done is closed once the stream is finished and no more events follow.
func (s *ReadStream) Done() <-chan struct{} {
	return s.events.done
}

// HeldLock reports whether the stream's lock is currently held.
func (s *ReadStream) HeldLock() bool {
	return s.handle.Held()
}

// LockInfo returns the last known grant.
func (s *ReadStream) LockInfo() lockservice.Info {
	return s.handle.Info()
}

// LockState returns the state of the stream's lock handle.
func (s *ReadStream) LockState() State {
	return s.handle.State()
}

// Termination returns what finished the stream, or TerminationNone.
func (s *ReadStream) Termination() Termination {
	return Termination(s.termination.Load())
}

// ============================================================================
// I/O
// ============================================================================

// Read reads from the file. Reaching io.EOF releases the lock before Read
// returns; a read error releases it in the background. A Read interrupted by
// expiry returns ErrLockExpired.
func (s *ReadStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.expired:
		s.mu.Unlock()
		return 0, ErrLockExpired
	case s.closed:
		s.mu.Unlock()
		return 0, blob.ErrClosed
	}
	r := s.reader
	s.mu.Unlock()

	n, err := r.Read(p)
	if err != nil && s.isExpired() {
		return n, ErrLockExpired
	}

	switch {
	case errors.Is(err, io.EOF):
		s.terminate(TerminationEnd)
	case err != nil:
		go s.terminate(TerminationError)
	}
	return n, err
}

// Close closes the reader and, unless the stream already finished,
// releases the lock. Closing twice is a no-op.
func (s *ReadStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var r io.ReadCloser
	if !s.readerClosed {
		s.readerClosed = true
		r = s.reader
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if r != nil {
		err = r.Close()
	}

	s.terminate(TerminationClose)
	return err
}

// ============================================================================
// Lock control
// ============================================================================

// ReleaseLock releases the lock while keeping the reader open.
func (s *ReadStream) ReleaseLock(ctx context.Context) error {
	released, err := s.handle.finish(ctx, false)
	if released {
		s.recordReleased()
	}
	return err
}

// RenewLock extends the lock by its TTL and emits EventRenewed.
func (s *ReadStream) RenewLock(ctx context.Context) (lockservice.Info, error) {
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

// terminate finishes the stream exactly once.
func (s *ReadStream) terminate(t Termination) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	s.termination.Store(int32(t))
	s.cancel()
	defer s.events.close()

	ctx, cancel := releaseContext(s.ctx)
	defer cancel()

	released, err := s.handle.finish(ctx, false)
	switch {
	case errors.Is(err, ErrLockExpired):
		// Expiry was reported on its own path.
	case err != nil:
		logger.Warn("Failed to release read lock: file=%s termination=%s error=%v", s.fileID, t, err)
	case released:
		s.recordReleased()
	}

	logger.Debug("Read stream finished: file=%s termination=%s", s.fileID, t)
}

func (s *ReadStream) onSignal(sig lockservice.Signal) {
	switch sig {
	case lockservice.SignalExpiresSoon:
		s.events.emit(EventExpiresSoon, s.handle.Info(), 0)

	case lockservice.SignalExpired:
		s.mu.Lock()
		s.expired = true
		var r io.ReadCloser
		if s.reader != nil && !s.readerClosed {
			s.readerClosed = true
			r = s.reader
		}
		s.mu.Unlock()

		// Cancel before Close: a Read blocked in the store holds the
		// reader until its context ends.
		s.cancel()
		if r != nil {
			_ = r.Close()
		}

		info := s.handle.Info()
		s.locker.metrics.RecordExpired(string(lockservice.ModeRead))
		logger.Debug("Read lock expired: file=%s owner=%s", s.fileID, info.Owner)
		s.events.emit(EventExpired, info, 0)

		if s.finished.CompareAndSwap(false, true) {
			s.termination.Store(int32(TerminationExpired))
			s.events.close()
		}
	}
}

func (s *ReadStream) isExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

func (s *ReadStream) recordReleased() {
	info := s.handle.Info()
	s.locker.metrics.ObserveRelease(string(lockservice.ModeRead), time.Since(info.AcquiredAt))
	s.events.emit(EventReleased, info, 0)
}
