package common

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StartMetricsServer exposes the default Prometheus registry on its own port
// so scraping never competes with gateway traffic.
func StartMetricsServer(port int, logger zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	go func() {
		logger.Info().Int("port", port).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
