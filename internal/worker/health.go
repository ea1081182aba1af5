package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ServeHealth runs a /healthz endpoint on the configured port until ctx ends.
// It reports 200 while the worker is registered with the server and 503
// otherwise, so the pool manager can tell a live worker from a stuck one.
// No-op when no health port is configured.
func (w *Worker) ServeHealth(ctx context.Context, logger *slog.Logger) {
	if w.cfg.HealthPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !w.Connected() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(rw, "not connected")
			return
		}
		fmt.Fprintln(rw, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", w.cfg.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("health endpoint listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health endpoint failed", "error", err)
	}
}
