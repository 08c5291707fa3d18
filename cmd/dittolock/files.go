package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/marmos91/dittolock/pkg/lockservice"
	"github.com/spf13/cobra"
)

// lockFlags are the per-command lock timing overrides.
type lockFlags struct {
	ttl  time.Duration
	wait time.Duration
}

func (f *lockFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Lock TTL (default from config)")
	cmd.Flags().DurationVar(&f.wait, "wait", 0, "How long to wait for the lock; negative tries once (default from config)")
}

func (f *lockFlags) timing() locking.LockTiming {
	return locking.LockTiming{TTL: f.ttl, WaitBudget: f.wait}
}

// ============================================================================
// put
// ============================================================================

var putFlags struct {
	lock        lockFlags
	id          string
	filename    string
	contentType string
	metadata    map[string]string
}

var putCmd = &cobra.Command{
	Use:   "put [path|-]",
	Short: "Store a file under a write lock",
	Long: `Store a file read from path (or stdin) under an exclusive write lock.

The lock is renewed automatically while the upload runs. The file ID is
printed on success; without --id a new one is generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var in io.Reader = cmd.InOrStdin()
	filename := putFlags.filename
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
		if filename == "" {
			filename = filepath.Base(args[0])
		}
	}

	_, rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	w, err := rt.Locker.OpenWrite(ctx, locking.WriteOptions{
		FileID:      putFlags.id,
		Filename:    filename,
		ContentType: putFlags.contentType,
		Metadata:    putFlags.metadata,
		Lock:        putFlags.lock.timing(),
	})
	if err != nil {
		return err
	}
	if w == nil {
		return errTimedOut
	}

	keeper := startKeepAlive(ctx, w.Events(), w.RenewLock)

	if _, err := io.Copy(w, in); err != nil {
		_ = w.Abort()
		keeper.wait()
		return fmt.Errorf("upload failed: %w", err)
	}
	if err := w.Close(); err != nil {
		keeper.wait()
		return err
	}
	keeper.wait()

	if keeper.lost.Load() {
		return fmt.Errorf("lock on %s expired before the upload finished; the file may have been replaced", w.FileID())
	}

	fmt.Fprintln(cmd.OutOrStdout(), w.FileID())
	return nil
}

// ============================================================================
// get
// ============================================================================

var getFlags struct {
	lock   lockFlags
	output string
	offset int64
	length int64
}

var getCmd = &cobra.Command{
	Use:   "get <file-id>",
	Short: "Read a file under a shared read lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var out io.Writer = cmd.OutOrStdout()
	if getFlags.output != "" && getFlags.output != "-" {
		f, err := os.Create(getFlags.output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	_, rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	r, err := rt.Locker.OpenRead(ctx, locking.ReadOptions{
		FileID: args[0],
		Offset: getFlags.offset,
		Length: getFlags.length,
		Lock:   getFlags.lock.timing(),
	})
	if err != nil {
		return err
	}
	if r == nil {
		return errTimedOut
	}

	keeper := startKeepAlive(ctx, r.Events(), r.RenewLock)
	defer keeper.wait()

	if _, err := io.Copy(out, r); err != nil {
		_ = r.Close()
		return fmt.Errorf("download failed: %w", err)
	}
	return r.Close()
}

// ============================================================================
// rm
// ============================================================================

var rmFlags lockFlags

var rmCmd = &cobra.Command{
	Use:   "rm <file-id>",
	Short: "Remove a file under a write lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		removed, err := rt.Locker.Remove(ctx, locking.RemoveOptions{
			FileID: args[0],
			Lock:   rmFlags.timing(),
		})
		if err != nil {
			return err
		}
		if !removed {
			return errTimedOut
		}
		return nil
	},
}

// ============================================================================
// exists
// ============================================================================

var existsCmd = &cobra.Command{
	Use:   "exists <file-id>",
	Short: "Report whether a file exists (no lock is taken)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		ok, err := rt.Locker.Exists(ctx, locking.ExistsOptions{FileID: args[0]})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), ok)
		return nil
	},
}

// ============================================================================
// inspect
// ============================================================================

var inspectCmd = &cobra.Command{
	Use:   "inspect <file-id>",
	Short: "Print the lock document of a file as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		doc, err := rt.Locker.Inspect(ctx, args[0])
		if errors.Is(err, lockservice.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "{}")
			return nil
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

func init() {
	putFlags.lock.register(putCmd)
	putCmd.Flags().StringVar(&putFlags.id, "id", "", "File ID (default: a new UUID)")
	putCmd.Flags().StringVar(&putFlags.filename, "filename", "", "Filename recorded in the manifest (default: base name of path)")
	putCmd.Flags().StringVar(&putFlags.contentType, "content-type", "", "Content type recorded in the manifest")
	putCmd.Flags().StringToStringVar(&putFlags.metadata, "meta", nil, "Metadata key=value pairs recorded in the manifest")

	getFlags.lock.register(getCmd)
	getCmd.Flags().StringVarP(&getFlags.output, "output", "o", "", "Write to a file instead of stdout")
	getCmd.Flags().Int64Var(&getFlags.offset, "offset", 0, "First byte to read")
	getCmd.Flags().Int64Var(&getFlags.length, "length", 0, "Number of bytes to read (0 reads to the end)")

	rmFlags.register(rmCmd)

	rootCmd.AddCommand(putCmd, getCmd, rmCmd, existsCmd, inspectCmd)
}
