// Package metrics exposes Prometheus collectors for the sync passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "qadesk"

// Metrics holds every collector, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	PassRuns         *prometheus.CounterVec
	PassDuration     *prometheus.HistogramVec
	QuestionsFetched prometheus.Counter
	TagFailures      *prometheus.CounterVec
	QuestionOutcomes *prometheus.CounterVec
	CreateAttempts   prometheus.Histogram
	PortalTickets    *prometheus.CounterVec
	SLABreaches      prometheus.Counter
	LastSuccess      *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PassRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_runs_total",
			Help:      "Pass executions by pass and result.",
		}, []string{"pass", "result"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of each pass.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"pass"}),
		QuestionsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_fetched_total",
			Help:      "Distinct questions returned by fetch cycles.",
		}),
		TagFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tag_fetch_failures_total",
			Help:      "Failed per-tag source requests.",
		}, []string{"tag"}),
		QuestionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "question_outcomes_total",
			Help:      "Mapped questions by outcome.",
		}, []string{"outcome"}),
		CreateAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ticket_create_attempts",
			Help:      "Attempts needed per ticket creation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		PortalTickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_tickets_total",
			Help:      "Form tickets seen by the portal pass, by outcome.",
		}, []string{"outcome"}),
		SLABreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_breaches_total",
			Help:      "Tickets reported over SLA.",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pass_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each pass.",
		}, []string{"pass"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PassRuns,
		m.PassDuration,
		m.QuestionsFetched,
		m.TagFailures,
		m.QuestionOutcomes,
		m.CreateAttempts,
		m.PortalTickets,
		m.SLABreaches,
		m.LastSuccess,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records one finished pass.
func (m *Metrics) ObservePass(pass string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PassRuns.WithLabelValues(pass, result).Inc()
	m.PassDuration.WithLabelValues(pass).Observe(time.Since(started).Seconds())
	if err == nil {
		m.LastSuccess.WithLabelValues(pass).SetToCurrentTime()
	}
}
