package store

import (
	"context"
	"fmt"
	"time"

	"github.com/AdityaR0811/flam/internal/domain"
)

// RegisterWorker records a worker process in the registry. Written by
// the Supervisor when it spawns the process.
func (s *Store) RegisterWorker(ctx context.Context, w domain.WorkerInfo) error {
	return withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (worker_id, pid, started_at, last_heartbeat)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (worker_id) DO UPDATE SET
				pid = excluded.pid,
				started_at = excluded.started_at,
				last_heartbeat = excluded.last_heartbeat`,
			w.WorkerID, w.PID, toMillis(w.StartedAt), toMillis(w.LastHeartbeat))
		if err != nil {
			return fmt.Errorf("failed to register worker: %w", err)
		}
		return nil
	})
}

// Heartbeat bumps a worker's last_heartbeat.
func (s *Store) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	return withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workers SET last_heartbeat = ? WHERE worker_id = ?`,
			toMillis(now), workerID)
		if err != nil {
			return fmt.Errorf("failed to heartbeat: %w", err)
		}
		return nil
	})
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, pid, started_at, last_heartbeat FROM workers
		ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []domain.WorkerInfo
	for rows.Next() {
		var (
			w         domain.WorkerInfo
			startedAt int64
			heartbeat int64
		)
		if err := rows.Scan(&w.WorkerID, &w.PID, &startedAt, &heartbeat); err != nil {
			return nil, err
		}
		w.StartedAt = fromMillis(startedAt)
		w.LastHeartbeat = fromMillis(heartbeat)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// RemoveWorker deletes a worker's registry row.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) error {
	return withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID)
		if err != nil {
			return fmt.Errorf("failed to remove worker: %w", err)
		}
		return nil
	})
}
