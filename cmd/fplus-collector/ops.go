package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucaslui/hems/factoryplus/internal/session"
)

func opsRouter(reg *prometheus.Registry, current *atomic.Pointer[session.Session]) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := current.Load()
		if s == nil || s.State() != session.StateActive {
			state := "no session"
			if s != nil {
				state = s.State().String()
			}
			http.Error(w, state, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// serveOps runs the metrics and health endpoints until ctx ends.
func serveOps(ctx context.Context, addr string, reg *prometheus.Registry, current *atomic.Pointer[session.Session], log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           opsRouter(reg, current),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
