package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the counter (or histogram sample count) in
// family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for k, v := range want {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// series returns the number of series in family name.
func series(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}

func TestDisabledConstructorsReturnNil(t *testing.T) {
	if IsEnabled() {
		t.Skip("global registry already initialized")
	}
	assert.Nil(t, NewLockMetrics())
	assert.Nil(t, NewBlobMetrics("memory"))
}

func TestLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newLockMetrics(reg)

	m.ObserveAcquire("write", "locked", 10*time.Millisecond)
	m.ObserveAcquire("write", "timed-out", time.Second)
	m.ObserveAcquire("read", "locked", 0)
	m.ObserveRelease("write", 2*time.Second)
	m.RecordExpired("read")
	m.RecordLostWriteWindow()
	m.RecordRemove("removed")

	assert.Equal(t, 1.0, value(t, reg, "dittolock_lock_acquisitions_total", map[string]string{"mode": "write", "outcome": "locked"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_lock_acquisitions_total", map[string]string{"mode": "write", "outcome": "timed-out"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_lock_expired_total", map[string]string{"mode": "read"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_lost_write_window_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_remove_operations_total", map[string]string{"outcome": "removed"}))
	assert.Equal(t, 2.0, value(t, reg, "dittolock_lock_acquire_wait_seconds", map[string]string{"mode": "write"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_lock_hold_seconds", map[string]string{"mode": "write"}))

	assert.Equal(t, 2, series(t, reg, "dittolock_lock_acquire_wait_seconds")) // one per mode
}

func TestBlobMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newBlobMetrics(reg, "memory")

	m.ObserveOperation("put_chunk", time.Millisecond, nil)
	m.ObserveOperation("put_chunk", time.Millisecond, errors.New("boom"))
	m.RecordBytes("write", 1024)
	m.RecordBytes("write", 1024)

	assert.Equal(t, 1.0, value(t, reg, "dittolock_blob_operations_total", map[string]string{"backend": "memory", "status": "success"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_blob_operations_total", map[string]string{"backend": "memory", "status": "error"}))
	assert.Equal(t, 1.0, value(t, reg, "dittolock_blob_errors_total", map[string]string{"operation": "put_chunk"}))
	assert.Equal(t, 2048.0, value(t, reg, "dittolock_blob_bytes_transferred_total", map[string]string{"operation": "write"}))

	// A second backend shares the registry.
	s3 := newBlobMetrics(reg, "s3")
	s3.RecordBytes("read", 10)
	assert.Equal(t, 10.0, value(t, reg, "dittolock_blob_bytes_transferred_total", map[string]string{"backend": "s3"}))
	assert.Equal(t, 2048.0, value(t, reg, "dittolock_blob_bytes_transferred_total", map[string]string{"backend": "memory"}))
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newLockMetrics(reg)
	m.RecordLostWriteWindow()

	srv := NewServer(ServerConfig{Port: 9191, Registry: reg})
	assert.Equal(t, 9191, srv.Port())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dittolock_lost_write_window_total 1"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ":9191/metrics")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerWithoutRegistry(t *testing.T) {
	if IsEnabled() {
		t.Skip("global registry already initialized")
	}

	srv := NewServer(ServerConfig{})
	assert.Equal(t, DefaultPort, srv.Port())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// Runs last: it initializes the process-wide registry.
func TestInitRegistryIncludesRuntimeCollectors(t *testing.T) {
	InitRegistry()
	InitRegistry()
	assert.True(t, IsEnabled())
	assert.NotNil(t, NewLockMetrics())

	families, err := GetRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
