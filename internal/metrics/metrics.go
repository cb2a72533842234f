// Package metrics exposes connector counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BartekS5/possync/internal/syncerr"
)

const namespace = "possync"

type Metrics struct {
	registry *prometheus.Registry

	pagesFetched      *prometheus.CounterVec
	recordsExtracted  *prometheus.CounterVec
	recordsRejected   *prometheus.CounterVec
	pageRetries       *prometheus.CounterVec
	entityFailures    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Source API pages fetched per entity.",
		}, []string{"entity"}),
		recordsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Records extracted per entity.",
		}, []string{"entity"}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records dropped by schema validation per entity.",
		}, []string{"entity"}),
		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_retries_total",
			Help:      "Page requests retried after a transient failure, per entity.",
		}, []string{"entity"}),
		entityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_failures_total",
			Help:      "Entities skipped during a sync, by error kind.",
		}, []string{"entity", "kind"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of protocol operations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180},
		}, []string{"operation", "success"}),
	}
	m.registry.MustRegister(
		m.pagesFetched,
		m.recordsExtracted,
		m.recordsRejected,
		m.pageRetries,
		m.entityFailures,
		m.operationDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePage counts one fetched page and its records.
func (m *Metrics) ObservePage(entity string, records int) {
	m.pagesFetched.WithLabelValues(entity).Inc()
	m.recordsExtracted.WithLabelValues(entity).Add(float64(records))
}

func (m *Metrics) ObserveRejected(entity string, n int) {
	if n > 0 {
		m.recordsRejected.WithLabelValues(entity).Add(float64(n))
	}
}

func (m *Metrics) ObserveRetry(entity string, _ time.Duration) {
	m.pageRetries.WithLabelValues(entity).Inc()
}

func (m *Metrics) ObserveFailure(entity string, err error) {
	m.entityFailures.WithLabelValues(entity, syncerr.KindOf(err).String()).Inc()
}

func (m *Metrics) ObserveOperation(operation string, success bool, d time.Duration) {
	m.operationDuration.WithLabelValues(operation, strconv.FormatBool(success)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
