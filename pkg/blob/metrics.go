package blob

import (
	"time"
)

// Metrics provides observability for blob store operations.
//
// Implementations can use this interface to collect metrics about chunk
// traffic and latency. This is optional - if not provided, metrics
// collection is skipped.
type Metrics interface {
	// ObserveOperation records an operation ("create", "close", "open",
	// "unlink", "put_chunk", "get_chunk", ...) with its duration and outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes transferred ("read" or "write").
	RecordBytes(operation string, bytes int64)
}

// noopMetrics is a default no-op metrics implementation
type noopMetrics struct{}

func (noopMetrics) ObserveOperation(operation string, duration time.Duration, err error) {}
func (noopMetrics) RecordBytes(operation string, bytes int64)                            {}
