package locking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/lockservice"
	lsmemory "github.com/marmos91/dittolock/pkg/lockservice/memory"
	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandleCoordinator(t *testing.T) *lockservice.Coordinator {
	t.Helper()
	c, err := lockservice.Open(context.Background(), testRoot, lockservice.Options{
		PollInterval: 5 * time.Millisecond,
	}, lsmemory.NewMemoryRecordStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func isDone(h *locking.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func TestHandleLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)

	h := locking.NewHandle(c, blob.NewFileID(), lockservice.LockOptions{}, nil)
	assert.Equal(t, locking.StateUnheld, h.State())
	assert.False(t, h.Held())

	_, err := h.Renew(ctx)
	assert.ErrorIs(t, err, locking.ErrInvalidState)
	assert.ErrorIs(t, h.Release(ctx), locking.ErrInvalidState)

	outcome, err := h.AcquireWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, locking.OutcomeLocked, outcome)
	assert.Equal(t, locking.StateHeld, h.State())
	assert.Equal(t, lockservice.ModeWrite, h.Mode())
	assert.True(t, h.Held())

	_, err = h.AcquireRead(ctx)
	assert.ErrorIs(t, err, locking.ErrInvalidState)

	info, err := h.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Renewals)
	assert.Equal(t, locking.StateHeld, h.State())

	require.NoError(t, h.Release(ctx))
	assert.Equal(t, locking.StateReleased, h.State())
	assert.True(t, isDone(h))

	// Idempotent.
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.RemoveLock(ctx))
}

func TestHandleTimedOut(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)
	id := blob.NewFileID()

	holder := locking.NewHandle(c, id, lockservice.LockOptions{}, nil)
	_, err := holder.AcquireWrite(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Release(ctx) }()

	h := locking.NewHandle(c, id, lockservice.LockOptions{WaitBudget: 30 * time.Millisecond}, nil)
	outcome, err := h.AcquireRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, locking.OutcomeTimedOut, outcome)
	assert.Equal(t, locking.StateTimedOut, h.State())
	assert.True(t, h.State().Terminal())
	assert.True(t, isDone(h))
	require.NoError(t, h.Release(ctx))
}

func TestHandleError(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)
	require.NoError(t, c.Close())

	h := locking.NewHandle(c, blob.NewFileID(), lockservice.LockOptions{}, nil)
	_, err := h.AcquireWrite(ctx)
	assert.ErrorIs(t, err, lockservice.ErrClosed)
	assert.Equal(t, locking.StateError, h.State())
	assert.ErrorIs(t, h.Err(), lockservice.ErrClosed)
	assert.True(t, isDone(h))
}

func TestHandleExpiry(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)

	var (
		mu      sync.Mutex
		signals []lockservice.Signal
	)
	h := locking.NewHandle(c, blob.NewFileID(), lockservice.LockOptions{
		TTL:           60 * time.Millisecond,
		RenewalMargin: 30 * time.Millisecond,
	}, func(s lockservice.Signal) {
		mu.Lock()
		signals = append(signals, s)
		mu.Unlock()
	})

	_, err := h.AcquireWrite(ctx)
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle never expired")
	}

	assert.Equal(t, locking.StateExpired, h.State())
	assert.False(t, h.Held())

	mu.Lock()
	assert.Equal(t, []lockservice.Signal{lockservice.SignalExpiresSoon, lockservice.SignalExpired}, signals)
	mu.Unlock()

	_, err = h.Renew(ctx)
	assert.ErrorIs(t, err, locking.ErrLockExpired)
	require.NoError(t, h.Release(ctx))
	assert.Equal(t, locking.StateExpired, h.State())
}

func TestHandleExpiringThenRenewed(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)

	soon := make(chan struct{}, 1)
	h := locking.NewHandle(c, blob.NewFileID(), lockservice.LockOptions{
		TTL:           300 * time.Millisecond,
		RenewalMargin: 250 * time.Millisecond,
	}, func(s lockservice.Signal) {
		if s == lockservice.SignalExpiresSoon {
			select {
			case soon <- struct{}{}:
			default:
			}
		}
	})

	_, err := h.AcquireRead(ctx)
	require.NoError(t, err)

	select {
	case <-soon:
	case <-time.After(time.Second):
		t.Fatal("expires-soon never fired")
	}
	assert.Equal(t, locking.StateExpiring, h.State())

	_, err = h.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, locking.StateHeld, h.State())

	require.NoError(t, h.Release(ctx))
}

func TestHandleReleaseAfterServiceLoss(t *testing.T) {
	ctx := context.Background()
	records := lsmemory.NewMemoryRecordStore()
	c, err := lockservice.Open(ctx, testRoot, lockservice.Options{}, records)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	id := blob.NewFileID()
	expired := make(chan struct{})
	h := locking.NewHandle(c, id, lockservice.LockOptions{}, func(s lockservice.Signal) {
		if s == lockservice.SignalExpired {
			close(expired)
		}
	})
	_, err = h.AcquireWrite(ctx)
	require.NoError(t, err)

	_, err = records.Update(ctx, testRoot+"/"+string(id), func(doc *lockservice.Document) (*lockservice.Document, error) {
		return nil, nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Release(ctx), locking.ErrLockExpired)
	assert.Equal(t, locking.StateExpired, h.State())
	select {
	case <-expired:
	default:
		t.Fatal("expired signal not forwarded")
	}
}

// gatedRecordStore holds every Update while its gate is closed.
type gatedRecordStore struct {
	*lsmemory.MemoryRecordStore

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func newGatedRecordStore() *gatedRecordStore {
	return &gatedRecordStore{
		MemoryRecordStore: lsmemory.NewMemoryRecordStore(),
		entered:           make(chan struct{}, 1),
	}
}

// closeGate makes later Updates block until the returned func is called.
func (s *gatedRecordStore) closeGate() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.gate = nil
		s.mu.Unlock()
		close(gate)
	}
}

func (s *gatedRecordStore) Update(ctx context.Context, key string, fn lockservice.UpdateFunc) (*lockservice.Document, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemoryRecordStore.Update(ctx, key, fn)
}

func TestHandleConcurrentRenewRejected(t *testing.T) {
	ctx := context.Background()
	records := newGatedRecordStore()
	c, err := lockservice.Open(ctx, testRoot, lockservice.Options{PollInterval: 5 * time.Millisecond}, records)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := locking.NewHandle(c, blob.NewFileID(), lockservice.LockOptions{}, nil)
	_, err = h.AcquireWrite(ctx)
	require.NoError(t, err)

	openGate := records.closeGate()
	renewed := make(chan error, 1)
	go func() {
		_, err := h.Renew(ctx)
		renewed <- err
	}()

	select {
	case <-records.entered:
	case <-time.After(time.Second):
		openGate()
		t.Fatal("renewal never reached the record store")
	}
	assert.Equal(t, locking.StateRenewing, h.State())

	_, err = h.Renew(ctx)
	assert.ErrorIs(t, err, locking.ErrRenewInFlight)

	openGate()
	require.NoError(t, <-renewed)
	assert.Equal(t, locking.StateHeld, h.State())
	assert.Equal(t, 1, h.Info().Renewals)
	require.NoError(t, h.Release(ctx))
}

func TestHandleReleaseWaitsForPendingAcquire(t *testing.T) {
	ctx := context.Background()
	c := newHandleCoordinator(t)
	id := blob.NewFileID()

	holder := locking.NewHandle(c, id, lockservice.LockOptions{}, nil)
	_, err := holder.AcquireWrite(ctx)
	require.NoError(t, err)

	h := locking.NewHandle(c, id, lockservice.LockOptions{WaitBudget: 5 * time.Second}, nil)
	acquired := make(chan locking.Outcome, 1)
	go func() {
		outcome, err := h.AcquireWrite(ctx)
		assert.NoError(t, err)
		acquired <- outcome
	}()
	require.Eventually(t, func() bool { return h.State() == locking.StatePending }, time.Second, time.Millisecond)

	released := make(chan error, 1)
	go func() { released <- h.Release(ctx) }()

	select {
	case err := <-released:
		t.Fatalf("Release returned while the acquisition was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, locking.StatePending, h.State())

	require.NoError(t, holder.Release(ctx))

	assert.Equal(t, locking.OutcomeLocked, <-acquired)
	require.NoError(t, <-released)
	assert.Equal(t, locking.StateReleased, h.State())
	assert.True(t, isDone(h))

	// The release went through: the lock is free again.
	next := locking.NewHandle(c, id, lockservice.LockOptions{WaitBudget: -1}, nil)
	outcome, err := next.AcquireWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, locking.OutcomeLocked, outcome)
	require.NoError(t, next.Release(ctx))
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state    locking.State
		name     string
		terminal bool
	}{
		{locking.StateUnheld, "unheld", false},
		{locking.StatePending, "pending", false},
		{locking.StateHeld, "held", false},
		{locking.StateRenewing, "renewing", false},
		{locking.StateExpiring, "expiring", false},
		{locking.StateExpired, "expired", true},
		{locking.StateReleased, "released", true},
		{locking.StateTimedOut, "timed-out", true},
		{locking.StateError, "error", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}
