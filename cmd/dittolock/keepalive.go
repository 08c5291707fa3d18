package main

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/marmos91/dittolock/pkg/lockservice"
)

// keepAlive renews a stream's lock whenever it is about to expire, for as
// long as the stream's event channel stays open.
type keepAlive struct {
	done    chan struct{}
	expired atomic.Bool
	lost    atomic.Bool
}

func startKeepAlive(ctx context.Context, events <-chan locking.Event, renew func(context.Context) (lockservice.Info, error)) *keepAlive {
	k := &keepAlive{done: make(chan struct{})}

	go func() {
		defer close(k.done)
		for ev := range events {
			switch ev.Type {
			case locking.EventExpiresSoon:
				info, err := renew(ctx)
				switch {
				case err == nil:
					logger.Debug("Lock renewed: file=%s expires=%s", ev.FileID, info.ExpiresAt.Format("15:04:05.000"))
				case errors.Is(err, locking.ErrInvalidState):
					// Stream finished while the renewal was queued
				default:
					logger.Warn("Lock renewal failed: file=%s error=%v", ev.FileID, err)
				}
			case locking.EventExpired:
				k.expired.Store(true)
				logger.Warn("Lock expired: file=%s", ev.FileID)
			case locking.EventLostWriteWindow:
				k.lost.Store(true)
			}
		}
	}()

	return k
}

// wait blocks until the event channel is closed.
func (k *keepAlive) wait() {
	<-k.done
}
