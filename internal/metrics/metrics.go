// Package metrics defines the Prometheus collectors exported by the ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the ledger's collectors.
type Metrics struct {
	Recorded          *prometheus.CounterVec
	Admissions        *prometheus.CounterVec
	ReconcileTasks    *prometheus.CounterVec
	FillUpdates       *prometheus.CounterVec
	ChainRetries      prometheus.Counter
	ReconcileDuration prometheus.Histogram
	EventLatency      prometheus.Histogram
	ParkedLogs        *prometheus.CounterVec
	RequestCount      *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Recorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexledger_records_total",
				Help: "Ledger writes by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexledger_admissions_total",
				Help: "Order candidates by origin and admission result.",
			},
			[]string{"origin", "result"},
		),
		ReconcileTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexledger_reconcile_tasks_total",
				Help: "Reconciliation tasks by outcome.",
			},
			[]string{"outcome"},
		),
		FillUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexledger_fill_updates_total",
				Help: "Guarded fill updates by result.",
			},
			[]string{"result"},
		),
		ChainRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dexledger_chain_call_retries_total",
				Help: "Retried chain calls during reconciliation.",
			},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dexledger_reconcile_duration_seconds",
				Help:    "Wall time of one reconciliation task.",
				Buckets: prometheus.DefBuckets,
			},
		),
		EventLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dexledger_event_latency_seconds",
				Help:    "Delay between block time and receipt of a contract event.",
				Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320},
			},
		),
		ParkedLogs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dexledger_parked_logs_total",
				Help: "Contract logs parked after failed recording, and later replayed.",
			},
			[]string{"result"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	registry.MustRegister(
		m.Recorded,
		m.Admissions,
		m.ReconcileTasks,
		m.FillUpdates,
		m.ChainRetries,
		m.ReconcileDuration,
		m.EventLatency,
		m.ParkedLogs,
		m.RequestCount,
		m.RequestDuration,
	)
	return m
}

// NewNop returns collectors attached to a private registry, for tests and
// tools that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
