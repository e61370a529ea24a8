// Package httpserver exposes the Coordinator's HTTP surface: the
// WebSocket upgrade endpoint, a Prometheus /metrics handler, and a
// liveness /healthz endpoint.
package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New builds the Coordinator's top-level mux. wsHandler serves the
// WebSocket upgrade (transport.Server); registry supplies the Prometheus
// registry /metrics reads from.
func New(wsHandler http.Handler, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
