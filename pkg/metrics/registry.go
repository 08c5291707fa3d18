// Package metrics exports lock and blob activity to Prometheus.
//
// Nothing is collected until InitRegistry runs. Before that the constructors
// return nil, which locking and blob treat as "no instrumentation":
//
//	metrics.InitRegistry()
//	locker, err := locking.New(store, registry, locking.Options{
//		Root:    root,
//		Metrics: metrics.NewLockMetrics(),
//	})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry. Later calls are no-ops.
//
// The registry also carries the Go runtime and process collectors, so a
// long-running holder can be watched for goroutine or fd leaks alongside
// its lock counters.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
