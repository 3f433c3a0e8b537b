package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/config"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/session"
)

// newStatusServer exposes health, readiness, metrics and the session snapshot
func newStatusServer(cfg *config.Config, ctrl *session.Controller, breaker *resilience.CircuitBreaker) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler())

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"credential": func(ctx context.Context) (bool, error) {
			state, requests, failures, rate := breaker.GetStats()
			if state == resilience.StateOpen {
				return false, fmt.Errorf("circuit breaker open (%d/%d requests failed, %.1f%%)", failures, requests, rate)
			}
			return true, nil
		},
		"session": func(ctx context.Context) (bool, error) {
			if ctrl.Status() == session.StatusError {
				return false, fmt.Errorf("%s", ctrl.Snapshot().Error)
			}
			return true, nil
		},
	}))

	mux.HandleFunc("/status", observability.StatusHandler(func() interface{} {
		return ctrl.Snapshot()
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%s", cfg.StatusPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func shutdownStatusServer(server *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Status server forced to shutdown")
	}
}
