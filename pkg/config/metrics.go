package config

import (
	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/marmos91/dittolock/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// LockMetrics instruments the Locker (nil if disabled, which selects a no-op)
	LockMetrics locking.Metrics

	// BlobMetrics instruments the blob store (nil if disabled, which selects a no-op)
	BlobMetrics blob.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled every field is nil and the components fall back
// to their no-op implementations.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port: cfg.Metrics.Port,
		}),
		LockMetrics: metrics.NewLockMetrics(),
		BlobMetrics: metrics.NewBlobMetrics(cfg.Blob.Type),
	}
}
