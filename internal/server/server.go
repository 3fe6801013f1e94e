// Package server exposes the session orchestrator over HTTP as a small
// console: submit, stop, close, snapshot, live transcript and recorded events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/session"
	"github.com/tjfontaine/deepsearch-client/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Sessions is the orchestrator surface the console drives.
type Sessions interface {
	Submit(ctx context.Context, query string, opts domain.ResearchOptions) (string, error)
	Stop()
	Close()
	Snapshot() domain.Session
	Subscribe(fn session.Observer) func()
}

type Server struct {
	Router   *chi.Mux
	Port     int
	logger   *slog.Logger
	sessions Sessions
	recorder storage.Recorder
}

func New(port int, logger *slog.Logger, sessions Sessions, recorder storage.Recorder) *Server {
	if recorder == nil {
		recorder = storage.Nop{}
	}
	s := &Server{
		Router:   chi.NewRouter(),
		Port:     port,
		logger:   logger,
		sessions: sessions,
		recorder: recorder,
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "deepsearch-console")
	})

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/session", s.handleSubmit)
		r.Get("/session", s.handleSnapshot)
		r.Delete("/session", s.handleClose)
		r.Post("/session/stop", s.handleStop)
		r.Get("/session/stream", s.handleStream)
		r.Get("/sessions/{id}/events", s.handleEvents)
	})

	return s
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Live transcript streams never end on their own.
	s.sessions.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
