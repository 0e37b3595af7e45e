// Package server exposes the read-only status API: task progress, round
// history, and rejected candidates, served from the store while the
// scheduler runs.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/flagrace/internal/store"
	"github.com/me/flagrace/internal/taskdir"
)

// Server is the flagrace status API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	store     store.Store
	dirs      *taskdir.Manager
	startTime time.Time
}

// New creates a Server with all routes registered.
func New(st store.Store, dirs *taskdir.Manager, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		store:     st,
		dirs:      dirs,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/rounds", s.handleListRounds)
				r.Get("/candidates", s.handleListCandidates)
				r.Get("/writeup", s.handleGetWriteup)
			})
		})
	})
}
