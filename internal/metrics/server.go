package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where the Prometheus handler is mounted.
const MetricsPath = "/metrics"

// Handler serves registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:          registry,
		EnableOpenMetrics: true,
	}))
	return mux
}

// NewServer returns an HTTP server for the metrics endpoint on addr.
func NewServer(addr string, registry *prometheus.Registry) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
