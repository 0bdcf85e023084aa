package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve blocks serving sink's registry on addr's /metrics endpoint until
// the listener errors (e.g. on shutdown).
func Serve(addr string, sink *Sink) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sink.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
