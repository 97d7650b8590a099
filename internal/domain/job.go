package domain

import "time"

// JobState is the lifecycle state of a job.
type JobState string

const (
	StatePending    JobState = "pending"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateDead       JobState = "dead"
)

// Valid reports whether s is a declared state. StateFailed is declared
// for reporting but no row rests in it: a retryable failure goes back
// to pending with a future run_at, a terminal one to dead.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDead:
		return true
	}
	return false
}

// Job is a persisted shell-command job.
//
// Invariants maintained by the store:
//   - processing rows carry a live lease (LockedBy set, LockExpiresAt in
//     the future during normal operation; expiry is the recovery path)
//   - completed and dead rows carry no lease
//   - Attempts never exceeds MaxRetries+1
//   - MaxRetries and BackoffBase are captured at enqueue and never change
type Job struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Priority int    `json:"priority"`

	State    JobState `json:"state"`
	Attempts int      `json:"attempts"`

	MaxRetries  int     `json:"max_retries"`
	BackoffBase float64 `json:"backoff_base"`
	TimeoutS    int     `json:"timeout_s"`

	RunAt time.Time `json:"run_at"`

	LockedBy      string     `json:"locked_by,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	LastError  string `json:"last_error,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkerInfo is a row in the worker registry. The Supervisor writes it
// and the worker updates LastHeartbeat. The expired-lease sweep does not
// read it: lease expiry alone decides whether a job is reclaimed.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stats is the per-state job count snapshot.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
}
