package rpc

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/*
MetricsEndpoints registers "/metrics" endpoint serving the metrics of the
Prometheus registry. Nothing is registered when "pr" is nil, ie metrics
are not exported using Prometheus.
*/
func MetricsEndpoints(pr prometheus.Registerer) RegistrarFunc {
	return func(r *mux.Router) {
		gatherer, ok := pr.(prometheus.Gatherer)
		if pr == nil || !ok {
			return
		}
		r.Handle("/metrics", promhttp.InstrumentMetricHandler(pr, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{MaxRequestsInFlight: 1})))
	}
}
