// Package server exposes the sync core over HTTP: document snapshots, the
// change-event feed, revision history, and edit commands.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roamplan/roamsync/internal/session"
)

const requestTimeout = 30 * time.Second

// Server is the HTTP front of the sync daemon.
type Server struct {
	Router *chi.Mux
	Port   int

	core       *session.Session
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the router. authToken may be empty for loopback deployments.
func New(port int, core *session.Session, logger *slog.Logger, authToken string) *Server {
	s := &Server{
		Port:   port,
		core:   core,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(AuthMiddleware(authToken))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "roamsyncd")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/itineraries/{itineraryID}", func(r chi.Router) {
		// The event feed stays open until the client goes away, so it
		// sits outside the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(requestTimeout))

			r.Get("/", s.handleSnapshot)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/changes", s.handleApplyChangeSet)

			r.Get("/revisions", s.handleRevisions)
			r.Get("/diff", s.handleDiff)
			r.Post("/restore", s.handleRestore)

			r.Route("/days/{dayID}", func(r chi.Router) {
				r.Post("/reorder", s.handleReorder)
				r.Post("/discard", s.handleDiscard)
			})
		})
	})

	s.Router = r
	return s
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
