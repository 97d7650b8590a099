package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AdityaR0811/flam/internal/backoff"
	"github.com/AdityaR0811/flam/internal/domain"
)

const jobColumns = `id, command, priority, state, attempts, max_retries, backoff_base, timeout_s,
	run_at, locked_by, lock_expires_at, last_error, stdout_tail, stderr_tail, exit_code,
	created_at, updated_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		j           domain.Job
		state       string
		runAt       int64
		lockedBy    sql.NullString
		lockExpires sql.NullInt64
		exitCode    sql.NullInt64
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
	)

	err := row.Scan(&j.ID, &j.Command, &j.Priority, &state, &j.Attempts, &j.MaxRetries,
		&j.BackoffBase, &j.TimeoutS, &runAt, &lockedBy, &lockExpires, &j.LastError,
		&j.StdoutTail, &j.StderrTail, &exitCode, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.State = domain.JobState(state)
	j.RunAt = fromMillis(runAt)
	j.LockedBy = lockedBy.String
	j.LockExpiresAt = fromNullMillis(lockExpires)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.StartedAt = fromNullMillis(startedAt)
	j.FinishedAt = fromNullMillis(finishedAt)

	return &j, nil
}

// Enqueue inserts a new pending job. MaxRetries and BackoffBase are
// captured into the row from the config table unless the payload
// overrides them; they never change for the job's lifetime. Returns the
// job id, or domain.ErrDuplicateID on an id collision.
func (s *Store) Enqueue(ctx context.Context, spec *domain.EnqueueSpec, now time.Time) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	tunables, err := s.LoadTunables(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load config for enqueue: %w", err)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	maxRetries := tunables.MaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	backoffBase := tunables.BackoffBase
	if spec.BackoffBase != nil {
		backoffBase = *spec.BackoffBase
	}
	timeoutS := 0
	if spec.TimeoutS != nil {
		timeoutS = *spec.TimeoutS
	}
	runAt := now.UTC()
	if spec.RunAt != nil {
		runAt = spec.RunAt.Time
	}

	err = withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, command, priority, state, attempts, max_retries, backoff_base,
				timeout_s, run_at, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?, ?)`,
			id, spec.Command, spec.Priority, maxRetries, backoffBase, timeoutS,
			toMillis(runAt), toMillis(now), toMillis(now))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("job %s: %w", id, domain.ErrDuplicateID)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

// ClaimNext atomically claims the highest-priority ready job for
// workerID and returns it, or nil if nothing is claimable. The selection
// and the transition to processing happen in one statement, so no two
// callers can claim the same row. Rows whose lease has expired are
// claimable directly, whether the sweeper has reset them yet or not.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.Job, error) {
	tunables, err := s.LoadTunables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for claim: %w", err)
	}

	nowMs := toMillis(now)
	expiresMs := toMillis(now.Add(time.Duration(tunables.LockTimeoutS) * time.Second))

	var job *domain.Job
	err = withBusyRetry(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE jobs
			SET state = 'processing', locked_by = ?, lock_expires_at = ?, started_at = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM jobs
				WHERE (state = 'pending' AND run_at <= ?
						AND (locked_by IS NULL OR lock_expires_at <= ?))
					OR (state = 'processing' AND lock_expires_at <= ?)
				ORDER BY priority DESC, run_at ASC, created_at ASC
				LIMIT 1
			)
			RETURNING `+jobColumns,
			workerID, expiresMs, nowMs, nowMs, nowMs, nowMs, nowMs)

		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// RecordSuccess finalizes a successful attempt: completed state, lease
// cleared, outputs stored. Fails with domain.ErrLostLock if workerID no
// longer holds the job.
func (s *Store) RecordSuccess(ctx context.Context, id, workerID string, exitCode int, stdoutTail, stderrTail string, now time.Time) error {
	nowMs := toMillis(now)

	return withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'completed', attempts = attempts + 1, locked_by = NULL, lock_expires_at = NULL,
				exit_code = ?, stdout_tail = ?, stderr_tail = ?, last_error = '',
				finished_at = ?, updated_at = ?
			WHERE id = ? AND locked_by = ? AND state = 'processing'`,
			exitCode, stdoutTail, stderrTail, nowMs, nowMs, id, workerID)
		if err != nil {
			return fmt.Errorf("failed to record success: %w", err)
		}
		return s.checkOwned(ctx, res, id)
	})
}

// RecordFailure finalizes a failed attempt. Attempts is incremented; the
// job either goes back to pending with a backoff-delayed run_at, or to
// dead once retries are exhausted. Returns the resulting state. Fails
// with domain.ErrLostLock if workerID no longer holds the job.
func (s *Store) RecordFailure(ctx context.Context, id, workerID string, exitCode int, stdoutTail, stderrTail, lastError string, now time.Time) (domain.JobState, error) {
	tunables, err := s.LoadTunables(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load config for failure: %w", err)
	}

	nowMs := toMillis(now)
	var next domain.JobState

	err = withBusyRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var (
			attempts    int
			maxRetries  int
			backoffBase float64
		)
		err = tx.QueryRowContext(ctx, `
			SELECT attempts, max_retries, backoff_base FROM jobs
			WHERE id = ? AND locked_by = ? AND state = 'processing'`,
			id, workerID).Scan(&attempts, &maxRetries, &backoffBase)
		if errors.Is(err, sql.ErrNoRows) {
			return s.lostLockOrNotFound(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read job for failure: %w", err)
		}

		newAttempts := attempts + 1

		if newAttempts > maxRetries {
			next = domain.StateDead
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = 'dead', attempts = ?, locked_by = NULL, lock_expires_at = NULL,
					exit_code = ?, stdout_tail = ?, stderr_tail = ?, last_error = ?,
					finished_at = ?, updated_at = ?
				WHERE id = ?`,
				newAttempts, exitCode, stdoutTail, stderrTail, lastError, nowMs, nowMs, id)
			if err != nil {
				return fmt.Errorf("failed to move job to dead letter: %w", err)
			}
		} else {
			// Delay grows with the number of failures before this one, so
			// the first retry waits roughly base^0 = 1s plus jitter.
			delay := backoff.Delay(attempts, backoffBase, tunables.MaxBackoffS)
			next = domain.StatePending
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = 'pending', attempts = ?, locked_by = NULL, lock_expires_at = NULL,
					exit_code = ?, stdout_tail = ?, stderr_tail = ?, last_error = ?,
					run_at = ?, updated_at = ?
				WHERE id = ?`,
				newAttempts, exitCode, stdoutTail, stderrTail, lastError,
				toMillis(now.Add(delay)), nowMs, id)
			if err != nil {
				return fmt.Errorf("failed to schedule retry: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit failure transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return next, nil
}

// ExtendLock renews workerID's lease on the job. Fails with
// domain.ErrLostLock if the lease is no longer held.
func (s *Store) ExtendLock(ctx context.Context, id, workerID string, now time.Time) error {
	tunables, err := s.LoadTunables(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config for lock extension: %w", err)
	}

	expiresMs := toMillis(now.Add(time.Duration(tunables.LockTimeoutS) * time.Second))

	return withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET lock_expires_at = ?, updated_at = ?
			WHERE id = ? AND locked_by = ? AND state = 'processing'`,
			expiresMs, toMillis(now), id, workerID)
		if err != nil {
			return fmt.Errorf("failed to extend lock: %w", err)
		}
		return s.checkOwned(ctx, res, id)
	})
}

// SweepExpiredLocks resets every processing job with an expired lease
// back to pending. Attempts are untouched: this is crash recovery, not a
// retry. Returns the number of jobs reclaimed.
func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	var reclaimed int64

	err := withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', locked_by = NULL, lock_expires_at = NULL, updated_at = ?
			WHERE state = 'processing' AND lock_expires_at <= ?`,
			toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("failed to sweep expired locks: %w", err)
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 {
		slog.InfoContext(ctx, "reclaimed jobs with expired leases", "count", reclaimed)
	}
	return int(reclaimed), nil
}

// DLQRetry revives a dead job: pending, attempts reset, eligible now.
// Fails with domain.ErrNotDead if the job is in any other state.
func (s *Store) DLQRetry(ctx context.Context, id string, now time.Time) error {
	return withBusyRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'pending', attempts = 0, run_at = ?, locked_by = NULL,
				lock_expires_at = NULL, last_error = '', finished_at = NULL, updated_at = ?
			WHERE id = ? AND state = 'dead'`,
			toMillis(now), toMillis(now), id)
		if err != nil {
			return fmt.Errorf("failed to retry dead job: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var exists int
			err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("job %s: %w", id, domain.ErrNotDead)
		}
		return nil
	})
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	State domain.JobState
	// ReadyOnly keeps only pending jobs whose run_at has passed; jobs in
	// any other state are excluded.
	ReadyOnly bool
	Now       time.Time
}

// List returns jobs matching the filter in dispatch order.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, `state = ?`)
		args = append(args, string(filter.State))
	}
	if filter.ReadyOnly {
		where = append(where, `state = 'pending' AND run_at <= ?`)
		args = append(args, toMillis(filter.Now))
	}
	for i, cond := range where {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY priority DESC, run_at ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DLQList returns the dead-letter partition, most recently failed first.
func (s *Store) DLQList(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = 'dead'
		ORDER BY finished_at DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats returns per-state job counts.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := &domain.Stats{}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch domain.JobState(state) {
		case domain.StatePending:
			stats.Pending = count
		case domain.StateProcessing:
			stats.Processing = count
		case domain.StateCompleted:
			stats.Completed = count
		case domain.StateFailed:
			stats.Failed = count
		case domain.StateDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// checkOwned converts a zero-row guarded update into the right error:
// ErrNotFound if the job is gone, ErrLostLock if someone else holds it.
func (s *Store) checkOwned(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.lostLockOrNotFound(ctx, id)
	}
	return nil
}

func (s *Store) lostLockOrNotFound(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, domain.ErrLostLock)
}
