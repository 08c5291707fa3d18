package metrics

import (
	"time"

	"github.com/marmos91/dittolock/pkg/blob"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// blobMetrics is the Prometheus implementation of blob.Metrics.
//
// Every series carries a constant "backend" label (memory, filesystem, s3)
// so several stores can share one registry.
type blobMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// NewBlobMetrics creates Prometheus-backed blob store metrics on the global
// registry.
//
// Returns nil if metrics are not enabled, which makes the store fall back to
// its no-op implementation.
func NewBlobMetrics(backend string) blob.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newBlobMetrics(GetRegistry(), backend)
}

func newBlobMetrics(reg prometheus.Registerer, backend string) *blobMetrics {
	labels := prometheus.Labels{"backend": backend}

	return &blobMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittolock_blob_operations_total",
				Help:        "Blob store operations by operation type and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "dittolock_blob_operation_duration_seconds",
				Help:        "Duration of blob store operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittolock_blob_bytes_transferred_total",
				Help:        "Bytes moved through the blob store",
				ConstLabels: labels,
			},
			[]string{"operation"}, // read or write
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittolock_blob_errors_total",
				Help:        "Blob store errors by operation type",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
	}
}

func (m *blobMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(operation).Inc()
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *blobMetrics) RecordBytes(operation string, bytes int64) {
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}
