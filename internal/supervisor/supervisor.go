// Package supervisor manages the pool of worker processes: spawning,
// registry bookkeeping, the pid map file, and graceful stop with
// escalation. Workers are separate OS processes so a crashing job
// cannot corrupt siblings, and crashes stay observable through missed
// heartbeats and expired leases.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AdityaR0811/flam/internal/domain"
	"github.com/AdityaR0811/flam/internal/store"
	"github.com/AdityaR0811/flam/internal/worker"
)

// WorkerBinary is the name of the worker process entrypoint. It is
// looked up next to the running executable first, then on PATH.
const WorkerBinary = "flam-worker"

// Supervisor spawns and stops worker processes.
type Supervisor struct {
	store   *store.Store
	dbPath  string
	logDir  string
	pidFile string
	grace   time.Duration
}

// Option tweaks supervisor behavior.
type Option func(*Supervisor)

// WithGrace overrides the stop grace period.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// New creates a supervisor over the given store. The pid map file lives
// next to the database file.
func New(st *store.Store, dbPath, logDir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:   st,
		dbPath:  dbPath,
		logDir:  logDir,
		pidFile: dbPath + ".workers",
		grace:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PidFile returns the path of the process-id map file.
func (s *Supervisor) PidFile() string {
	return s.pidFile
}

// Start spawns count worker processes and records each in the registry
// and the pid file. Registry rows whose process is gone are reaped
// first, whatever their heartbeat age; if live workers remain, Start
// fails with domain.ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, count int) ([]domain.WorkerInfo, error) {
	if count <= 0 {
		return nil, fmt.Errorf("worker count must be > 0, got %d", count)
	}

	if err := s.reapStale(ctx); err != nil {
		return nil, err
	}

	existing, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%d workers registered: %w", len(existing), domain.ErrAlreadyRunning)
	}

	bin, err := workerBinaryPath()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var spawned []domain.WorkerInfo

	for i := 0; i < count; i++ {
		id := worker.NewWorkerID()

		cmd := exec.Command(bin)
		cmd.Env = append(os.Environ(),
			"FLAM_DB="+s.dbPath,
			"FLAM_WORKER_ID="+id,
			"FLAM_LOG_DIR="+s.logDir,
		)
		// Each worker leads its own process group so a stop signal to
		// the worker does not propagate to an in-flight job's shell.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			s.killAll(spawned)
			return nil, fmt.Errorf("failed to spawn worker %d: %w", i+1, err)
		}

		info := domain.WorkerInfo{
			WorkerID:      id,
			PID:           cmd.Process.Pid,
			StartedAt:     now,
			LastHeartbeat: now,
		}
		if err := s.store.RegisterWorker(ctx, info); err != nil {
			s.killAll(append(spawned, info))
			return nil, fmt.Errorf("failed to register worker: %w", err)
		}

		// The supervisor never waits on the child; Release lets it run
		// detached past this process's exit.
		_ = cmd.Process.Release()

		spawned = append(spawned, info)
		slog.InfoContext(ctx, "spawned worker", "worker_id", id, "pid", info.PID)
	}

	if err := s.writePidFile(spawned); err != nil {
		s.killAll(spawned)
		return nil, err
	}

	return spawned, nil
}

// Stop signals every recorded worker to finish and exit, waits out the
// grace period, force-kills stragglers, and clears the registry and pid
// file.
func (s *Supervisor) Stop(ctx context.Context) error {
	entries, err := s.readPidFile()
	if err != nil {
		return err
	}

	// Fold in registry rows the pid file may have missed.
	registered, err := s.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	for _, w := range registered {
		if _, ok := entries[w.WorkerID]; !ok {
			entries[w.WorkerID] = w.PID
		}
	}

	if len(entries) == 0 {
		slog.InfoContext(ctx, "no workers to stop")
		return s.cleanup(ctx, entries)
	}

	for id, pid := range entries {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			slog.WarnContext(ctx, "failed to signal worker", "worker_id", id, "pid", pid, "error", err)
		}
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if !anyAlive(entries) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	for id, pid := range entries {
		if alive(pid) {
			slog.WarnContext(ctx, "worker unresponsive, escalating to SIGKILL", "worker_id", id, "pid", pid)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	return s.cleanup(ctx, entries)
}

func (s *Supervisor) cleanup(ctx context.Context, entries map[string]int) error {
	for id := range entries {
		if err := s.store.RemoveWorker(ctx, id); err != nil {
			return err
		}
	}
	if err := os.Remove(s.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	slog.InfoContext(ctx, "workers stopped", "count", len(entries))
	return nil
}

// reapStale clears registry rows whose process is gone. Heartbeat age is
// logged for the operator but pid liveness is what decides.
func (s *Supervisor) reapStale(ctx context.Context) error {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	for _, w := range workers {
		if alive(w.PID) {
			continue
		}
		slog.WarnContext(ctx, "reaping dead worker registration",
			"worker_id", w.WorkerID,
			"pid", w.PID,
			"heartbeat_age", time.Since(w.LastHeartbeat).Round(time.Second))
		if err := s.store.RemoveWorker(ctx, w.WorkerID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) killAll(workers []domain.WorkerInfo) {
	for _, w := range workers {
		_ = syscall.Kill(w.PID, syscall.SIGKILL)
	}
}

// writePidFile records worker_id/pid pairs, one line each. The write is
// atomic: temp file then rename.
func (s *Supervisor) writePidFile(workers []domain.WorkerInfo) error {
	var b strings.Builder
	for _, w := range workers {
		fmt.Fprintf(&b, "%s %d\n", w.WorkerID, w.PID)
	}

	tmp := s.pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := os.Rename(tmp, s.pidFile); err != nil {
		return fmt.Errorf("failed to rename pid file: %w", err)
	}
	return nil
}

func (s *Supervisor) readPidFile() (map[string]int, error) {
	entries := make(map[string]int)

	f, err := os.Open(s.pidFile)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pid file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		entries[fields[0]] = pid
	}
	return entries, scanner.Err()
}

// alive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func anyAlive(entries map[string]int) bool {
	for _, pid := range entries {
		if alive(pid) {
			return true
		}
	}
	return false
}

// workerBinaryPath finds the flam-worker binary: next to the current
// executable first, then on PATH.
func workerBinaryPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), WorkerBinary)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}

	path, err := exec.LookPath(WorkerBinary)
	if err != nil {
		return "", fmt.Errorf("worker binary %q not found: %w", WorkerBinary, err)
	}
	return path, nil
}
