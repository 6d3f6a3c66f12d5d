// Package observability holds the Prometheus collectors and the HTTP
// middleware that feed them.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil receiver, which disables collection.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal       *prometheus.CounterVec
	queryDurationMs    *prometheus.HistogramVec
	refreshesTotal     *prometheus.CounterVec
	schemaDriftTotal   *prometheus.CounterVec
	conflictsTotal     prometheus.Counter
	generationsTotal   *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDurationSecond *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_queries_total",
				Help: "Total number of SQL queries by database type and outcome.",
			},
			[]string{"db_type", "outcome"},
		),
		queryDurationMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querygate_query_duration_ms",
				Help:    "Query execution latency in milliseconds.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
			},
			[]string{"db_type"},
		),
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_metadata_refreshes_total",
				Help: "Total number of metadata extractions by outcome.",
			},
			[]string{"outcome"},
		),
		schemaDriftTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_schema_drift_total",
				Help: "Number of refreshes whose version hash differed from the cached one.",
			},
			[]string{"connection"},
		),
		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querygate_refresh_conflicts_total",
				Help: "Queries rejected because a metadata refresh was in progress.",
			},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_nl_generations_total",
				Help: "Natural-language SQL generations by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_http_requests_total",
				Help: "Total HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDurationSecond: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querygate_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queriesTotal,
		m.queryDurationMs,
		m.refreshesTotal,
		m.schemaDriftTotal,
		m.conflictsTotal,
		m.generationsTotal,
		m.httpRequestsTotal,
		m.httpDurationSecond,
	)

	// Every outcome is exported from the start, zero until it happens.
	for _, outcome := range outcomes() {
		m.refreshesTotal.WithLabelValues(outcome)
		m.generationsTotal.WithLabelValues(outcome)
	}
	return m
}

func outcomes() []string {
	kinds := errs.Kinds()
	out := make([]string, 0, len(kinds)+1)
	out = append(out, Outcome(nil))
	for _, k := range kinds {
		out = append(out, k.String())
	}
	return out
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels an error by its kind, or "ok" for nil.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return errs.KindOf(err).String()
}

func (m *Metrics) ObserveQuery(dbType string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	m.queriesTotal.WithLabelValues(dbType, outcome).Inc()
	if errs.KindOf(err) == errs.KindConflict {
		m.conflictsTotal.Inc()
	}
	if err == nil {
		m.queryDurationMs.WithLabelValues(dbType).Observe(float64(elapsed.Milliseconds()))
	}
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveDrift(connection string) {
	if m == nil {
		return
	}
	m.schemaDriftTotal.WithLabelValues(connection).Inc()
}

func (m *Metrics) ObserveGeneration(err error) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDurationSecond.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
