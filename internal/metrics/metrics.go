// Package metrics exposes the extraction run counters over Prometheus.
// The listener is optional; with no address configured the collectors
// still count but nothing is served.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewinds_extract_tasks_total",
		Help: "Extraction tasks by terminal status.",
	}, []string{"status"})

	HTTPErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewinds_extract_http_errors_total",
		Help: "Failed fetches by error class.",
	}, []string{"type"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradewinds_extract_fetch_duration_seconds",
		Help:    "Wall time per successful report fetch, retries included.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Serve starts a background listener with /metrics and /healthz. It
// returns the server so the caller can Shutdown on exit; an empty addr
// returns nil and serves nothing.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	return server
}
