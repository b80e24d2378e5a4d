package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createEnvironmentRequest struct {
	ProjectID         string `json:"project_id"`
	Provider          string `json:"provider"`
	ClaimAfterPrepare bool   `json:"claim_after_prepare"`
}

type claimNextEnvironmentRequest struct {
	ProjectID string `json:"project_id"`
	Provider  string `json:"provider"`
}

type environmentJobResponse struct {
	Environment any `json:"environment"`
	Job         any `json:"job"`
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.store.Environments().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	env, err := s.store.Environments().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("httpapi: decode request body: %w", err))
		return
	}
	env, job, err := s.staging.PrepareEnvironment(r.Context(), req.ProjectID, req.Provider, req.ClaimAfterPrepare)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, environmentJobResponse{Environment: env, Job: job})
}

func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.staging.UpdateEnvironment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleClaimEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.staging.ClaimEnvironment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleClaimNextEnvironment claims the oldest pooled environment
// matching the request's provider/project_id, reporting 404 if none is
// available rather than enqueueing a prepare.
func (s *Server) handleClaimNextEnvironment(w http.ResponseWriter, r *http.Request) {
	var req claimNextEnvironmentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, fmt.Errorf("httpapi: decode request body: %w", err))
		return
	}
	env, job, err := s.staging.ClaimNextEnvironment(r.Context(), req.Provider, req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if env == nil {
		writeError(w, fmt.Errorf("httpapi: no pooled environment available: %w", errNoPooledEnvironment))
		return
	}
	writeJSON(w, http.StatusAccepted, environmentJobResponse{Environment: env, Job: job})
}

// handleDeleteEnvironment enqueues provider-backed removal by default;
// ?skip_provider=true deletes the row directly instead.
func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("skip_provider") == "true" {
		if err := s.staging.ForceDeleteEnvironment(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := s.staging.RemoveEnvironment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleEnvironmentLogs tails the environment's lifecycle log file,
// streaming newly appended lines until the client disconnects or
// streamFile's tailMaxDuration elapses: an environment's log keeps
// growing across its whole lifetime, so there is no terminal state past
// which the file stops changing.
func (s *Server) handleEnvironmentLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Environments().Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	streamFile(r.Context(), w, s.sink.Path(id), nil)
}
