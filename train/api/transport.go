// Package api serves the run status and the Prometheus metrics of a worker
// over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YuminosukeSato/detrain/runner/hooks"
)

const contentType = "application/json"

// StatusFunc returns the current progress of the run.
type StatusFunc func() hooks.Status

// MakeHandler routes /status to the run progress and /metrics to gatherer.
func MakeHandler(status StatusFunc, gatherer prometheus.Gatherer) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}
