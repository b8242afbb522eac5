// Package metrics holds the Prometheus collectors of the settlement daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector so tests can use a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestLatency         *prometheus.HistogramVec
	PaymentsTotal          *prometheus.CounterVec
	CompensationsTotal     *prometheus.CounterVec
	ReconciliationRequired *prometheus.CounterVec
	LockContentionTotal    prometheus.Counter
	NotificationFailures   *prometheus.CounterVec
	WorkerQueueDepth       prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_requests_latency_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payments_total",
				Help: "Payment attempts by flow and outcome",
			},
			[]string{"flow", "outcome"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_compensations_total",
				Help: "Compensating actions by saga stage",
			},
			[]string{"stage"},
		),
		ReconciliationRequired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_reconciliation_required_total",
				Help: "Payments left in a state that needs operator reconciliation",
			},
			[]string{"flow", "stage"},
		),
		LockContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_lock_contention_total",
				Help: "Cash confirmations that found the booking lock held",
			},
		),
		NotificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_notification_failures_total",
				Help: "Best-effort notifications that failed",
			},
			[]string{"target"},
		),
		WorkerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_queue_depth",
				Help: "Current worker queue depth",
			},
		),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.RequestsTotal,
		metrics.RequestLatency,
		metrics.PaymentsTotal,
		metrics.CompensationsTotal,
		metrics.ReconciliationRequired,
		metrics.LockContentionTotal,
		metrics.NotificationFailures,
		metrics.WorkerQueueDepth,
	)
	return metrics
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
