package httpapi

import (
	"fmt"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents serves GET /events: a text/event-stream response
// emitting a fixed "data: update\n\n" frame on every bus tick, closing
// when the client disconnects or the bus shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("httpapi: streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	recv := s.bus.Subscribe()
	defer recv.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.ShutdownNotified():
			return
		case _, ok := <-recv.C():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: update\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleResetDatabase implements the destructive POST /reset-database
// escape hatch.
func (s *Server) handleResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.bus.Notify()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
