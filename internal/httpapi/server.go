// Package httpapi implements the daemon's HTTP surface: projects,
// environments, tasks, their staged mutations, log tailing, the bus-fed
// event stream, and the reset-database escape hatch. Routing uses
// github.com/go-chi/chi/v5 with its RequestID/Recoverer/Logger
// middleware trio for request correlation, panic recovery, and
// structured request logging.
package httpapi

import (
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orbitwork/workd/internal/eventbus"
	"github.com/orbitwork/workd/internal/logsink"
	"github.com/orbitwork/workd/internal/staging"
	"github.com/orbitwork/workd/internal/store"
)

// Server holds every dependency the HTTP handlers need. It carries no
// mutable state of its own beyond what those dependencies already own.
type Server struct {
	store      *store.Store
	staging    *staging.Staging
	bus        *eventbus.Bus
	sink       *logsink.Sink
	taskLogDir string
	log        *slog.Logger
}

// New builds a Server. taskLogDir must match the worker pool's
// Config.TaskLogDir so GET /tasks/{id}/logs reads the same files the
// run_task handler writes.
func New(s *store.Store, st *staging.Staging, bus *eventbus.Bus, sink *logsink.Sink, taskLogDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: s, staging: st, bus: bus, sink: sink, taskLogDir: taskLogDir, log: log}
}

// Router builds the chi.Mux serving every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Post("/reset-database", s.handleResetDatabase)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Delete("/{name}", s.handleDeleteProject)
	})

	r.Route("/environments", func(r chi.Router) {
		r.Get("/", s.handleListEnvironments)
		r.Post("/", s.handleCreateEnvironment)
		r.Post("/claim", s.handleClaimNextEnvironment)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetEnvironment)
			r.Post("/update", s.handleUpdateEnvironment)
			r.Post("/claim", s.handleClaimEnvironment)
			r.Delete("/", s.handleDeleteEnvironment)
			r.Get("/logs", s.handleEnvironmentLogs)
		})
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Get("/logs", s.handleTaskLogs)
		})
	})

	return r
}

func (s *Server) taskLogPath(taskID string) string {
	return filepath.Join(s.taskLogDir, taskID+".log")
}
