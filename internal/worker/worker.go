// Package worker implements the claim/execute/finalize loop that a
// single worker process runs against the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/AdityaR0811/flam/internal/domain"
	"github.com/AdityaR0811/flam/internal/executor"
	"github.com/AdityaR0811/flam/internal/store"
)

// NewWorkerID returns a stable process identity: hostname, pid and a
// random nonce, so restarts never reuse a lease owner.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Worker is one polling loop. It claims ready jobs, runs them through
// the executor, and records outcomes. A heartbeat goroutine extends the
// job lease at a third of the lock timeout while the executor runs.
type Worker struct {
	store *store.Store
	exec  executor.Executor
	id    string

	lastSweep time.Time
}

// New creates a worker with the given identity.
func New(st *store.Store, exec executor.Executor, id string) *Worker {
	return &Worker{store: st, exec: exec, id: id}
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// Run polls until ctx is cancelled. A cancellation received mid-job
// drains: the current job is executed to completion and finalized, and
// no further jobs are claimed. Per-job errors never stop the loop; only
// store-fatal conditions propagate.
func (w *Worker) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "worker started", "worker_id", w.id)

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "worker stopping", "worker_id", w.id)
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if processed {
			continue
		}

		// Idle: sleep out the poll interval.
		tunables, err := w.store.LoadTunables(ctx)
		if err != nil {
			return fmt.Errorf("failed to load tunables: %w", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(tunables.PollIntervalMs) * time.Millisecond):
		}
	}
}

// RunOnce claims and processes at most one job. It returns whether a
// job was processed. Heartbeats and the periodic expired-lease sweep
// happen here so they run on every poll tick, busy or idle.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	now := time.Now().UTC()

	if err := w.store.Heartbeat(ctx, w.id, now); err != nil {
		slog.WarnContext(ctx, "heartbeat failed", "worker_id", w.id, "error", err)
	}

	tunables, err := w.store.LoadTunables(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load tunables: %w", err)
	}

	sweepEvery := time.Duration(tunables.LockTimeoutS) * time.Second / 3
	if now.Sub(w.lastSweep) >= sweepEvery {
		if _, err := w.store.SweepExpiredLocks(ctx, now); err != nil {
			slog.WarnContext(ctx, "sweep failed", "worker_id", w.id, "error", err)
		}
		w.lastSweep = now
	}

	job, err := w.store.ClaimNext(ctx, w.id, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	slog.InfoContext(ctx, "claimed job",
		"job_id", job.ID,
		"worker_id", w.id,
		"priority", job.Priority,
		"attempts", job.Attempts)

	w.processJob(ctx, job, tunables)
	return true, nil
}

// processJob runs the executor with lease extension and finalizes the
// outcome. The job is executed and finalized on a context detached from
// shutdown: a terminal signal drains the in-flight job rather than
// killing it (hard kills are recovered later via lease expiry).
func (w *Worker) processJob(ctx context.Context, job *domain.Job, tunables *store.Tunables) {
	jobCtx := context.WithoutCancel(ctx)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.extendLease(heartbeatCtx, job.ID, time.Duration(tunables.LockTimeoutS)*time.Second/3)

	timeoutS := job.TimeoutS
	if timeoutS == 0 {
		timeoutS = tunables.JobTimeoutS
	}

	result := w.executeWithRecovery(jobCtx, job.Command, timeoutS)
	cancelHeartbeat()

	now := time.Now().UTC()
	stdoutTail := executor.Tail(result.Stdout)
	stderrTail := executor.Tail(result.Stderr)

	if result.Outcome == executor.Exited && result.ExitCode == 0 {
		err := w.store.RecordSuccess(jobCtx, job.ID, w.id, result.ExitCode, stdoutTail, stderrTail, now)
		if errors.Is(err, domain.ErrLostLock) {
			// The lease expired under us and someone else owns the job
			// now. The outcome is discarded; the re-claimer runs again.
			slog.WarnContext(ctx, "lost lock, discarding outcome", "job_id", job.ID, "worker_id", w.id)
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to record success", "job_id", job.ID, "error", err)
			return
		}
		slog.InfoContext(ctx, "job completed", "job_id", job.ID, "exit_code", result.ExitCode)
		return
	}

	lastError := describeFailure(result, timeoutS)
	next, err := w.store.RecordFailure(jobCtx, job.ID, w.id, result.ExitCode, stdoutTail, stderrTail, lastError, now)
	if errors.Is(err, domain.ErrLostLock) {
		slog.WarnContext(ctx, "lost lock, discarding outcome", "job_id", job.ID, "worker_id", w.id)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to record failure", "job_id", job.ID, "error", err)
		return
	}

	if next == domain.StateDead {
		slog.WarnContext(ctx, "job exhausted retries, moved to dead letter",
			"job_id", job.ID,
			"attempts", job.Attempts+1,
			"error", lastError)
	} else {
		slog.InfoContext(ctx, "job scheduled for retry",
			"job_id", job.ID,
			"attempts", job.Attempts+1,
			"error", lastError)
	}
}

// executeWithRecovery shields the loop from a panicking executor. A
// panic counts as a failed attempt with exit code -1.
func (w *Worker) executeWithRecovery(ctx context.Context, command string, timeoutS int) (result executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "executor panicked",
				"worker_id", w.id,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			result = executor.Result{
				ExitCode: -1,
				Stderr:   []byte(fmt.Sprintf("panic: %v", r)),
				Outcome:  executor.LaunchFailed,
			}
		}
	}()
	return w.exec.Execute(ctx, command, timeoutS)
}

// extendLease renews the job lease until cancelled.
func (w *Worker) extendLease(ctx context.Context, jobID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLock(ctx, jobID, w.id, time.Now().UTC()); err != nil {
				slog.WarnContext(ctx, "lease extension failed", "job_id", jobID, "worker_id", w.id, "error", err)
			}
		}
	}
}

func describeFailure(result executor.Result, timeoutS int) string {
	switch result.Outcome {
	case executor.TimedOut:
		return fmt.Sprintf("timed out after %ds", timeoutS)
	case executor.LaunchFailed:
		return fmt.Sprintf("launch failed: %s", executor.Tail(result.Stderr))
	default:
		return fmt.Sprintf("exit status %d", result.ExitCode)
	}
}
