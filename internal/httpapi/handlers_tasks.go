package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orbitwork/workd/internal/store"
)

type createTaskRequest struct {
	ProjectID           string `json:"project_id"`
	TaskProvider        string `json:"task_provider"`
	EnvironmentProvider string `json:"environment_provider"`
	Description         string `json:"description"`
}

type taskCreateResponse struct {
	Task        *store.Task        `json:"task"`
	Environment *store.Environment `json:"environment"`
	Job         *store.Job         `json:"job"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.Tasks().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCreateTask claims a pooled environment for the task (or
// prepares a fresh one when none is available), matching
// staging.TaskCreate's atomic claim-or-prepare semantics.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("httpapi: decode request body: %w", err))
		return
	}
	task, env, job, err := s.staging.TaskCreate(r.Context(), req.ProjectID, req.TaskProvider, req.EnvironmentProvider, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskCreateResponse{Task: task, Environment: env, Job: job})
}

// handleDeleteTask enqueues provider-backed teardown of the task's
// environment by default; ?skip_provider=true deletes the task row
// directly instead.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("skip_provider") == "true" {
		if err := s.staging.ForceDeleteTask(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := s.staging.RemoveTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleTaskLogs serves the whole log file in one response once the
// task has reached a terminal status, and streams newly appended lines
// otherwise — a task's log stops growing the instant it completes or
// fails, unlike an environment's.
func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Tasks().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	path := s.taskLogPath(id)
	if task.Status == store.TaskComplete || task.Status == store.TaskFailed {
		serveWholeFile(w, path)
		return
	}

	streamFile(r.Context(), w, path, func() bool {
		t, err := s.store.Tasks().Get(r.Context(), id)
		if err != nil {
			return true
		}
		return t.Status == store.TaskComplete || t.Status == store.TaskFailed
	})
}
