package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// OperationsTotal counts delegate operations by entity, operation and outcome.
	OperationsTotal *prometheus.CounterVec
	// OperationDuration is the latency of delegate operations.
	OperationDuration *prometheus.HistogramVec
	// TransactionsTotal counts interactive transactions and batches by outcome.
	TransactionsTotal *prometheus.CounterVec
	// RecordsTransferred counts records written by export, import and transfer.
	RecordsTransferred *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil uses the default registry.
func New(reg *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		gatherer: gatherer,
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbqe_operations_total",
				Help: "Total number of query engine operations",
			},
			[]string{"entity", "operation", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbqe_operation_duration_seconds",
				Help:    "Query engine operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity", "operation"},
		),
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbqe_transactions_total",
				Help: "Total number of interactive transactions",
			},
			[]string{"outcome"},
		),
		RecordsTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbqe_records_transferred_total",
				Help: "Records written by export, import and transfer jobs",
			},
			[]string{"job", "entity"},
		),
	}
}

func (m *Metrics) ObserveOperation(entity, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(entity, operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(entity, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransaction(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddTransferred(job, entity string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsTransferred.WithLabelValues(job, entity).Add(float64(n))
}

// Handler returns the Prometheus HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
