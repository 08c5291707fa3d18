package metrics

import (
	"time"

	"github.com/marmos91/dittolock/pkg/locking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// lockMetrics is the Prometheus implementation of locking.Metrics.
type lockMetrics struct {
	acquisitions    *prometheus.CounterVec
	acquireWait     *prometheus.HistogramVec
	holdDuration    *prometheus.HistogramVec
	expired         *prometheus.CounterVec
	lostWriteWindow prometheus.Counter
	removes         *prometheus.CounterVec
}

// NewLockMetrics creates Prometheus-backed lock metrics on the global
// registry.
//
// Returns nil if metrics are not enabled, which makes the Locker fall back
// to its no-op implementation.
func NewLockMetrics() locking.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newLockMetrics(GetRegistry())
}

func newLockMetrics(reg prometheus.Registerer) *lockMetrics {
	return &lockMetrics{
		acquisitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittolock_lock_acquisitions_total",
				Help: "Lock acquisition attempts by mode and outcome (locked, timed-out, error)",
			},
			[]string{"mode", "outcome"},
		),
		acquireWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittolock_lock_acquire_wait_seconds",
				Help: "Time spent waiting for a lock",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					10.0,  // 10s
					30.0,  // 30s
				},
			},
			[]string{"mode"},
		),
		holdDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittolock_lock_hold_seconds",
				Help:    "Time a lock was held before release",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"mode"},
		),
		expired: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittolock_lock_expired_total",
				Help: "Locks that expired while their stream was open",
			},
			[]string{"mode"},
		),
		lostWriteWindow: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittolock_lost_write_window_total",
				Help: "Writes whose lock expired before the stream was closed",
			},
		),
		removes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittolock_remove_operations_total",
				Help: "Remove operations by outcome (removed, timed-out, error)",
			},
			[]string{"outcome"},
		),
	}
}

func (m *lockMetrics) ObserveAcquire(mode string, outcome string, wait time.Duration) {
	m.acquisitions.WithLabelValues(mode, outcome).Inc()
	m.acquireWait.WithLabelValues(mode).Observe(wait.Seconds())
}

func (m *lockMetrics) ObserveRelease(mode string, held time.Duration) {
	m.holdDuration.WithLabelValues(mode).Observe(held.Seconds())
}

func (m *lockMetrics) RecordExpired(mode string) {
	m.expired.WithLabelValues(mode).Inc()
}

func (m *lockMetrics) RecordLostWriteWindow() {
	m.lostWriteWindow.Inc()
}

func (m *lockMetrics) RecordRemove(outcome string) {
	m.removes.WithLabelValues(outcome).Inc()
}
