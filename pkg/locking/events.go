package locking

import (
	"sync"
	"time"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// EventType identifies a stream lifecycle notification.
type EventType int

const (
	// EventExpiresSoon is advisory: the lock will expire after the renewal
	// margin unless renewed.
	EventExpiresSoon EventType = iota + 1

	// EventExpired means the lock's TTL elapsed. The stream has been torn
	// down and rejects further I/O with ErrLockExpired.
	EventExpired

	// EventRenewed follows a successful RenewLock.
	EventRenewed

	// EventReleased follows the release of the stream's lock.
	EventReleased

	// EventLostWriteWindow reports a write whose lock expired before the
	// stream was closed. Bytes already flushed to the store are not rolled
	// back; the advisory exists so callers can decide what to do with them.
	EventLostWriteWindow
)

func (t EventType) String() string {
	switch t {
	case EventExpiresSoon:
		return "expires-soon"
	case EventExpired:
		return "expired"
	case EventRenewed:
		return "renewed"
	case EventReleased:
		return "released"
	case EventLostWriteWindow:
		return "lost-write-window"
	default:
		return "unknown"
	}
}

// Event is a notification delivered on a stream's Events channel.
type Event struct {
	Type   EventType
	FileID blob.FileID
	At     time.Time

	// Lock is the grant the event refers to.
	Lock lockservice.Info

	// BytesWritten is set on EventLostWriteWindow.
	BytesWritten int64
}

// eventBuffer is the capacity of a stream's event channel. A session emits
// a handful of lifecycle events plus one per renewal; events that do not
// fit are dropped with a warning rather than stalling timer goroutines.
const eventBuffer = 64

// emitter delivers events on a buffered channel that is closed once the
// session is finished. Emitting after close is a no-op.
type emitter struct {
	fileID blob.FileID

	mu     sync.Mutex
	ch     chan Event
	closed bool
	done   chan struct{}
}

func newEmitter(fileID blob.FileID) *emitter {
	return &emitter{
		fileID: fileID,
		ch:     make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (e *emitter) emit(t EventType, info lockservice.Info, written int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	ev := Event{
		Type:         t,
		FileID:       e.fileID,
		At:           time.Now(),
		Lock:         info,
		BytesWritten: written,
	}
	select {
	case e.ch <- ev:
	default:
		logger.Warn("Dropping stream event: file=%s event=%s (buffer full)", e.fileID, t)
	}
}

// close closes the event channel and the done channel. Idempotent.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
	close(e.done)
}

func (e *emitter) events() <-chan Event {
	return e.ch
}
