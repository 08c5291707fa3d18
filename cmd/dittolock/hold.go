package main

import (
	"context"
	"fmt"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/marmos91/dittolock/pkg/lockservice"
	"github.com/spf13/cobra"
)

var holdFlags struct {
	lock lockFlags
	mode string
}

var holdCmd = &cobra.Command{
	Use:   "hold <file-id>",
	Short: "Acquire a lock and keep renewing it until interrupted",
	Long: `Acquire a read or write lock on a file and hold it, renewing before
every expiry, until SIGINT or SIGTERM. Other processes contend with it
exactly as with a real reader or writer. Like any writer, a write hold
truncates the file when it starts.

While holding, the metrics endpoint is served if metrics are enabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runHold,
}

// heldStream is the part of a read or write stream that hold needs.
type heldStream interface {
	Events() <-chan locking.Event
	Done() <-chan struct{}
	LockInfo() lockservice.Info
}

func runHold(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if srv := rt.Metrics.Server; srv != nil {
		go func() {
			if err := srv.Start(metricsCtx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	var (
		stream heldStream
		renew  func(context.Context) (lockservice.Info, error)
		finish func() error
	)

	switch holdFlags.mode {
	case "read":
		r, err := rt.Locker.OpenRead(ctx, locking.ReadOptions{FileID: args[0], Lock: holdFlags.lock.timing()})
		if err != nil {
			return err
		}
		if r == nil {
			return errTimedOut
		}
		stream, renew, finish = r, r.RenewLock, r.Close
	case "write":
		w, err := rt.Locker.OpenWrite(ctx, locking.WriteOptions{FileID: args[0], Lock: holdFlags.lock.timing()})
		if err != nil {
			return err
		}
		if w == nil {
			return errTimedOut
		}
		stream, renew, finish = w, w.RenewLock, w.Abort
	default:
		return fmt.Errorf("invalid mode %q (expected read or write)", holdFlags.mode)
	}

	info := stream.LockInfo()
	logger.Info("Holding %s lock: file=%s owner=%s expires=%s",
		info.Mode, info.FileID, info.Owner, info.ExpiresAt.Format("15:04:05.000"))

	keeper := startKeepAlive(ctx, stream.Events(), renew)

	select {
	case <-ctx.Done():
		logger.Info("Releasing lock on %s", info.FileID)
	case <-stream.Done():
	}

	err = finish()
	keeper.wait()

	if keeper.expired.Load() {
		return fmt.Errorf("lock on %s expired while held", info.FileID)
	}
	return err
}

func init() {
	holdFlags.lock.register(holdCmd)
	holdCmd.Flags().StringVar(&holdFlags.mode, "mode", "write", "Lock mode: read or write")
	rootCmd.AddCommand(holdCmd)
}
