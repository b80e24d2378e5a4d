package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/orbitwork/workd/internal/provider"
	"github.com/orbitwork/workd/internal/store"
)

// errNoPooledEnvironment is returned by handleClaimNextEnvironment when
// no environment matches the requested provider/project.
var errNoPooledEnvironment = errors.New("no pooled environment available")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorBody{Error: err.Error()})
}

// errorStatus maps the store's sentinel error kinds, and a handful of
// provider-level ones, to HTTP status codes via errors.Is, instead of
// a hand-picked status at each call site.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNoPooledEnvironment):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusInternalServerError
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotSupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
