package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveOperation("User", "findMany", "ok", 3*time.Millisecond)
	m.ObserveOperation("User", "findMany", "ok", time.Millisecond)
	m.ObserveOperation("User", "create", "UniqueConstraintViolation", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("User", "findMany", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("User", "create", "UniqueConstraintViolation")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveOperation("User", "findMany", "ok", time.Millisecond)
	m.ObserveTransaction("committed")
	m.AddTransferred("import", "User", 3)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	m.ObserveTransaction("committed")
	m.AddTransferred("export", "User", 5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dbqe_transactions_total{outcome="committed"} 1`)
	assert.Contains(t, string(body), `dbqe_records_transferred_total{entity="User",job="export"} 5`)
}
