// Package metrics exposes Prometheus counters for the metering and payment
// paths. All methods are nil-receiver safe so tests can pass a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	generations    *prometheus.CounterVec
	creditsSpent   prometheus.Counter
	creditsGranted prometheus.Counter
	payments       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_generations_total",
		Help: "Generation units by model and outcome.",
	}, []string{"model", "outcome"})

	m.creditsSpent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_credits_spent_total",
		Help: "Credits debited for successful generations.",
	})

	m.creditsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_credits_granted_total",
		Help: "Credits granted through completed payments.",
	})

	m.payments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_payments_total",
		Help: "Payment records by terminal status.",
	}, []string{"status"})

	m.registry.MustRegister(
		m.generations,
		m.creditsSpent,
		m.creditsGranted,
		m.payments,
	)
	return m
}

func (m *Metrics) GenerationCompleted(model string, count int) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(model, "completed").Add(float64(count))
}

func (m *Metrics) GenerationFailed(model string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(model, "failed").Inc()
}

func (m *Metrics) GenerationDenied(model string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(model, "denied").Inc()
}

func (m *Metrics) CreditsSpent(n int) {
	if m == nil {
		return
	}
	m.creditsSpent.Add(float64(n))
}

func (m *Metrics) CreditsGranted(n int) {
	if m == nil {
		return
	}
	m.creditsGranted.Add(float64(n))
}

func (m *Metrics) PaymentRecorded(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
