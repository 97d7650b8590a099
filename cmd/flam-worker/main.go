// flam-worker is the worker process entrypoint. It is spawned by the
// supervisor (flam worker start), runs a single polling loop against
// the shared database, and exits on SIGTERM/SIGINT after draining the
// in-flight job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AdityaR0811/flam/internal/config"
	"github.com/AdityaR0811/flam/internal/executor"
	"github.com/AdityaR0811/flam/internal/store"
	"github.com/AdityaR0811/flam/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	id := cfg.WorkerID
	if id == "" {
		// Standalone runs (outside the supervisor) mint their own id.
		id = worker.NewWorkerID()
	}

	// Detached processes log to a rotating file, JSON for grepability.
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "flam-worker.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	defer sink.Close()
	slog.SetDefault(slog.New(slog.NewJSONHandler(sink, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open store", "db", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	w := worker.New(st, executor.NewShell(), id)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker exited with error", "worker_id", id, "error", err)
		os.Exit(1)
	}
}
