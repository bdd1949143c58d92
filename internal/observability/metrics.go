package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	StrategyAttempts *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediafetch_jobs_started_total",
			Help: "Acquisition jobs started.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediafetch_jobs_completed_total",
			Help: "Acquisition jobs finished successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediafetch_jobs_failed_total",
			Help: "Acquisition jobs that exhausted every strategy.",
		}),
		StrategyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetch_strategy_attempts_total",
			Help: "Strategy attempts by strategy name and outcome.",
		}, []string{"strategy", "outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediafetch_http_requests_total",
			Help: "HTTP requests by route pattern and status class.",
		}, []string{"route", "status"}),
	}
}

// Handler exposes the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAttempt counts one strategy attempt.
func (m *Metrics) RecordAttempt(strategy string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.StrategyAttempts.WithLabelValues(strategy, outcome).Inc()
}
