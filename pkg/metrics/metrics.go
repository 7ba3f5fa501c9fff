// Package metrics defines the Prometheus collectors used by the ingestion
// loop, the consumption worker and the ops HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	LastCycleSuccess    prometheus.Gauge
	FilingsFetchedTotal prometheus.Counter
	FilingOutcomesTotal *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	LedgerErrorsTotal   prometheus.Counter

	WorkerResultsTotal *prometheus.CounterVec
	HandlerDuration    prometheus.Histogram
	DeadLettersTotal   *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so packages can build Metrics repeatedly.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_cycles_total",
				Help: "Polling cycles by result (ok, source_error, ledger_error).",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_cycle_duration_seconds",
				Help:    "Wall time of one polling cycle.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		LastCycleSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_last_success_timestamp_seconds",
				Help: "Unix time of the last cycle that completed without a ledger or source error.",
			},
		),
		FilingsFetchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_filings_fetched_total",
				Help: "Filing records returned by the disclosure source.",
			},
		),
		FilingOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_filing_outcomes_total",
				Help: "Terminal per-cycle outcome of each filing (skipped, poison_discarded, committed, deferred_retry).",
			},
			[]string{"outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_stage_duration_seconds",
				Help:    "Latency of each pipeline stage.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		LedgerErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingestion_ledger_errors_total",
				Help: "Ledger failures; each one aborts the rest of its cycle.",
			},
		),
		WorkerResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_deliveries_total",
				Help: "Task deliveries by result (ack, requeue, dead_letter).",
			},
			[]string{"result"},
		),
		HandlerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_handler_duration_seconds",
				Help:    "Latency of the downstream summarization handler.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_dead_letters_total",
				Help: "Tasks routed to the dead-letter queue by reason.",
			},
			[]string{"reason"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CyclesTotal,
		m.CycleDuration,
		m.LastCycleSuccess,
		m.FilingsFetchedTotal,
		m.FilingOutcomesTotal,
		m.StageDuration,
		m.LedgerErrorsTotal,
		m.WorkerResultsTotal,
		m.HandlerDuration,
		m.DeadLettersTotal,
		m.CircuitBreakerState,
	)

	return m
}
