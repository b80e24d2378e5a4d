// Package logsink appends per-environment lifecycle lines to a plain
// text file: one line per job phase transition, plus any provider
// stderr, prefixed with an RFC-3339 UTC timestamp. The log is
// append-only and callers never read through the sink; readers use the
// HTTP log-tail endpoints instead.
package logsink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink writes lifecycle lines to <dir>/<env_id>.log.
// Errors opening or writing a log file are swallowed (logged via
// log/slog) rather than surfaced to callers: a logging failure must
// never abort a job.
type Sink struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a Sink rooted at dir (typically <log_dir>/environments).
func New(dir string, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{dir: dir, log: log, files: make(map[string]*os.File)}
}

// Append writes one RFC-3339-prefixed line to envID's log file,
// creating the file (and parent directory) on first use.
func (s *Sink) Append(envID, line string) {
	if envID == "" {
		return
	}
	f, err := s.fileFor(envID)
	if err != nil {
		s.log.Error("logsink: open environment log", "env_id", envID, "err", err)
		return
	}
	stamped := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if _, err := f.WriteString(stamped); err != nil {
		s.log.Error("logsink: write environment log", "env_id", envID, "err", err)
	}
}

// Phase appends the standard "job=<type> attempt=<n> phase=<phase>"
// line recording one step of a job's execution.
func (s *Sink) Phase(envID, jobType string, attempt int, phase string) {
	s.Append(envID, fmt.Sprintf("job=%s attempt=%d phase=%s", jobType, attempt, phase))
}

// Path returns the on-disk path of envID's log file without opening it.
func (s *Sink) Path(envID string) string {
	return filepath.Join(s.dir, envID+".log")
}

func (s *Sink) fileFor(envID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[envID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(envID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.files[envID] = f
	return f, nil
}

// Close releases every open file handle. Safe to call once during
// daemon shutdown.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for envID, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close log for %s: %w", envID, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}
