package relayhttp

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the operator-facing prometheus series. Each Service owns a
// private registry so several services can coexist in one process without
// colliding on registration.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	residual prometheus.Summary
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay requests by action and result code.",
		}, []string{"action", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end relay request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		residual: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: "relay_fee_residual",
			Help: "Residual fee forwarded per settled request, in designated fee token units.",
		}),
	}
	m.registry.MustRegister(m.requests, m.duration, m.residual)
	return m
}

// observe records one finished request under its action and result code.
func (m *metrics) observe(action, code string, elapsed time.Duration) {
	m.requests.WithLabelValues(action, code).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// observeResidual records the residual forwarded by a settled request.
// Precision loss past float64 is acceptable for a distribution summary.
func (m *metrics) observeResidual(residual *big.Int) {
	if residual == nil {
		return
	}
	f, _ := new(big.Float).SetInt(residual).Float64()
	m.residual.Observe(f)
}

// handler serves the registry in the prometheus exposition format.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
