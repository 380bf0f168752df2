package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/pkg/logx"
)

const shutdownTimeout = 5 * time.Second

// StartServer serves /metrics on addr until ctx is cancelled. It returns
// immediately; the server runs in the background and shuts down gracefully
// when ctx is done.
func StartServer(ctx context.Context, addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("Starting metrics server on %s", addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Graceful shutdown - use background context with timeout since parent is cancelled.
		// We can't use the cancelled parent context for shutdown operations.
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; we need a fresh context for shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed: %v", err)
		}
	}()
}
