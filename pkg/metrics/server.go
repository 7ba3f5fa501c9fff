package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HandlerFor serves the collectors gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveBreaker is a resilience.CircuitBreakerConfig.OnStateChange hook that
// mirrors breaker transitions into CircuitBreakerState. The state is passed
// as its numeric value (0=closed, 1=open, 2=half-open).
func (m *Metrics) ObserveBreaker(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
