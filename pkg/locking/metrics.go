package locking

import (
	"time"
)

// Metrics provides observability for lock-coordinated sessions.
//
// This is optional - if not provided, metrics collection is skipped. The
// Prometheus implementation lives in pkg/metrics.
type Metrics interface {
	// ObserveAcquire records an acquisition attempt with its outcome
	// ("locked", "timed-out" or "error") and how long it waited.
	ObserveAcquire(mode string, outcome string, wait time.Duration)

	// ObserveRelease records a released lock and how long it was held.
	ObserveRelease(mode string, held time.Duration)

	// RecordExpired records a lock that expired while its stream was open.
	RecordExpired(mode string)

	// RecordLostWriteWindow records a write whose lock expired before close.
	RecordLostWriteWindow()

	// RecordRemove records a remove operation outcome ("removed",
	// "timed-out" or "error").
	RecordRemove(outcome string)
}

// noopMetrics is a default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveAcquire(mode string, outcome string, wait time.Duration) {}
func (noopMetrics) ObserveRelease(mode string, held time.Duration)                  {}
func (noopMetrics) RecordExpired(mode string)                                       {}
func (noopMetrics) RecordLostWriteWindow()                                          {}
func (noopMetrics) RecordRemove(outcome string)                                     {}
