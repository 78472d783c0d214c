// Package web exposes the task control surface and approval hooks over HTTP.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"f0oster/idsync/provisioning"
	"f0oster/idsync/task"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server handles HTTP requests for the control API.
type Server struct {
	log         zerolog.Logger
	tasks       *task.Service
	provisioner *provisioning.Manager
	router      chi.Router
	httpServer  *http.Server
}

// NewServer builds the router. provisioner may be nil, in which case the
// approval routes are not mounted.
func NewServer(log zerolog.Logger, addr string, tasks *task.Service, provisioner *provisioning.Manager) *Server {
	s := &Server{
		log:         log.With().Str("component", "web").Logger(),
		tasks:       tasks,
		provisioner: provisioner,
		router:      chi.NewRouter(),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSaveTask)
			r.Get("/{key}", s.handleGetTask)
			r.Delete("/{key}", s.handleDeleteTask)
			r.Post("/{key}/execute", s.handleExecute)
			r.Get("/{key}/executions", s.handleListExecutions)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/{key}", s.handleGetExecution)
			r.Delete("/{key}", s.handleDeleteExecution)
			r.Post("/{key}/cancel", s.handleCancel)
			r.Post("/{key}/report", s.handleReport)
		})
		if s.provisioner != nil {
			r.Post("/objects/{key}/approval", s.handleApproval)
		}
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}
