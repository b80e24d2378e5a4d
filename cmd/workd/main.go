// Command workd is the daemon entrypoint: it parses flags, acquires
// the pid/socket lock, opens the store, wires the staging layer, event
// bus, provider registry, worker pool and HTTP API together, then
// serves the API over a Unix domain socket until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/orbitwork/workd/internal/daemonrt"
	"github.com/orbitwork/workd/internal/eventbus"
	"github.com/orbitwork/workd/internal/httpapi"
	"github.com/orbitwork/workd/internal/logsink"
	"github.com/orbitwork/workd/internal/provider"
	"github.com/orbitwork/workd/internal/staging"
	"github.com/orbitwork/workd/internal/store"
	"github.com/orbitwork/workd/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	flags := daemonrt.ParseFlags()

	if err := daemonrt.Acquire(flags.PIDFile, flags.Socket, flags.Force); err != nil {
		if errors.Is(err, daemonrt.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "workd: already running (pid file %s or socket %s exists; use -force to override)\n", flags.PIDFile, flags.Socket)
			os.Exit(1)
		}
		log.Error("acquire daemon lock", "err", err)
		os.Exit(1)
	}
	defer daemonrt.Release(flags.PIDFile, flags.Socket)

	ctx, stop := daemonrt.NotifyContext(func() {
		daemonrt.Release(flags.PIDFile, flags.Socket)
	})
	defer stop()

	if err := run(ctx, flags, log); err != nil {
		log.Error("workd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *daemonrt.Flags, log *slog.Logger) error {
	providerCfg, err := daemonrt.LoadProviderConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load provider config: %w", err)
	}

	db, err := store.Open(ctx, flags.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := eventbus.New()
	defer bus.Shutdown()

	st := staging.New(db, bus)
	registry := provider.NewRegistry(providerCfg.Providers)

	envLogDir := filepath.Join(flags.LogDir, "environments")
	sink := logsink.New(envLogDir, log)
	defer sink.Close()

	taskLogDir := filepath.Join(flags.LogDir, "tasks")
	if err := os.MkdirAll(taskLogDir, 0o755); err != nil {
		return fmt.Errorf("create task log directory: %w", err)
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.TaskLogDir = taskLogDir
	pool := worker.New(db, registry, bus, sink, workerCfg, log)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		pool.Run(workerCtx)
	}()

	api := httpapi.New(db, st, bus, sink, taskLogDir, log)

	if err := os.MkdirAll(filepath.Dir(flags.Socket), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	listener, err := net.Listen("unix", flags.Socket)
	if err != nil {
		return fmt.Errorf("listen on socket %q: %w", flags.Socket, err)
	}

	httpServer := &http.Server{Handler: api.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("workd listening", "socket", flags.Socket)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stopWorker()
		<-workerDone
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)

	stopWorker()
	<-workerDone

	return shutdownErr
}
