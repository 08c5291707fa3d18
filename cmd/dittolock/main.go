package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittolock/internal/logger"
	"github.com/marmos91/dittolock/pkg/config"
	"github.com/spf13/cobra"
)

// errTimedOut is returned when a lock could not be acquired within the wait
// budget. It maps to exit code 2 so scripts can tell contention from failure.
var errTimedOut = errors.New("timed out waiting for lock")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dittolock",
	Short: "Lock-guarded chunked file storage",
	Long: `dittolock stores files as chunks in a blob store and guards every
read, write and removal with a TTL lease held in a shared lock backend.

Processes pointing at the same root and lock backend never see a file
while another process is writing it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/dittolock/config.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errTimedOut) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}

	return cfg, nil
}

// openRuntime loads configuration and builds the Locker behind it.
func openRuntime(ctx context.Context) (*config.Config, *config.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	rt, err := config.CreateRuntime(ctx, cfg, config.InitializeMetrics(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}

	return cfg, rt, nil
}

// closeRuntime closes rt, logging rather than returning the error so that
// it never masks the command's own result.
func closeRuntime(rt *config.Runtime) {
	if err := rt.Close(); err != nil {
		logger.Warn("Shutdown error: %v", err)
	}
}
