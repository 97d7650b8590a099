package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdityaR0811/flam/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "flam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func enqueueSpec(id, command string) *domain.EnqueueSpec {
	return &domain.EnqueueSpec{ID: id, Command: command}
}

func TestEnqueueRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	timeout := 30
	spec := &domain.EnqueueSpec{
		ID:       "job-a",
		Command:  "echo ok",
		Priority: 7,
		TimeoutS: &timeout,
	}

	id, err := st.Enqueue(ctx, spec, now)
	require.NoError(t, err)
	assert.Equal(t, "job-a", id)

	job, err := st.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, "echo ok", job.Command)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, domain.StatePending, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 30, job.TimeoutS)
	assert.Empty(t, job.LockedBy)

	// Defaults captured from config at enqueue time.
	assert.Equal(t, 3, job.MaxRetries)
	assert.InDelta(t, 2.0, job.BackoffBase, 1e-9)
	assert.Equal(t, now.UnixMilli(), job.RunAt.UnixMilli())
}

func TestEnqueueGeneratesID(t *testing.T) {
	st := newTestStore(t)

	id, err := st.Enqueue(context.Background(), enqueueSpec("", "true"), time.Now().UTC())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEnqueueDuplicateID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("dup", "true"), now)
	require.NoError(t, err)

	_, err = st.Enqueue(ctx, enqueueSpec("dup", "false"), now)
	require.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestEnqueueCapturedConfigSticks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetSetting(ctx, "max_retries", "5"))
	_, err := st.Enqueue(ctx, enqueueSpec("sticky", "true"), now)
	require.NoError(t, err)

	// Later config changes do not rewrite existing rows.
	require.NoError(t, st.SetSetting(ctx, "max_retries", "1"))

	job, err := st.Get(ctx, "sticky")
	require.NoError(t, err)
	assert.Equal(t, 5, job.MaxRetries)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	st := newTestStore(t)

	job, err := st.ClaimNext(context.Background(), "w1", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextTransitionsAndLocks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("c1", "true"), now)
	require.NoError(t, err)

	job, err := st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "c1", job.ID)
	assert.Equal(t, domain.StateProcessing, job.State)
	assert.Equal(t, "w1", job.LockedBy)
	require.NotNil(t, job.LockExpiresAt)
	assert.True(t, job.LockExpiresAt.After(now))
	require.NotNil(t, job.StartedAt)

	// Nothing else to claim while the lease is live.
	second, err := st.ClaimNext(ctx, "w2", now)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimNextPriorityOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, j := range []struct {
		id       string
		priority int
	}{{"p1", 1}, {"p100", 100}, {"p10", 10}} {
		_, err := st.Enqueue(ctx, &domain.EnqueueSpec{ID: j.id, Command: "true", Priority: j.priority}, now)
		require.NoError(t, err)
	}

	var order []string
	for range 3 {
		job, err := st.ClaimNext(ctx, "w1", now)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
		require.NoError(t, st.RecordSuccess(ctx, job.ID, "w1", 0, "", "", now))
	}

	assert.Equal(t, []string{"p100", "p10", "p1"}, order)
}

func TestClaimNextHonorsRunAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	future := domain.RFCTime{Time: now.Add(5 * time.Second)}
	_, err := st.Enqueue(ctx, &domain.EnqueueSpec{ID: "later", Command: "true", RunAt: &future}, now)
	require.NoError(t, err)

	job, err := st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = st.ClaimNext(ctx, "w1", now.Add(5*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestClaimNextReclaimsExpiredLease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetSetting(ctx, "lock_timeout_s", "60"))
	_, err := st.Enqueue(ctx, enqueueSpec("crashy", "true"), now)
	require.NoError(t, err)

	job, err := st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Worker 1 died; after the lease expires worker 2 claims directly.
	later := now.Add(61 * time.Second)
	job, err = st.ClaimNext(ctx, "w2", later)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "crashy", job.ID)
	assert.Equal(t, "w2", job.LockedBy)
	assert.Equal(t, 0, job.Attempts)
}

func TestClaimNextNoDuplicationUnderContention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const jobs = 20
	for i := range jobs {
		_, err := st.Enqueue(ctx, enqueueSpec(string(rune('a'+i)), "true"), now)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			id := string(rune('A' + workerID))
			for {
				job, err := st.ClaimNext(ctx, id, now)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestRecordSuccess(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("ok", "echo ok"), now)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)

	require.NoError(t, st.RecordSuccess(ctx, "ok", "w1", 0, "ok\n", "", now))

	job, err := st.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LockedBy)
	assert.Nil(t, job.LockExpiresAt)
	assert.Equal(t, "ok\n", job.StdoutTail)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	require.NotNil(t, job.FinishedAt)
}

func TestRecordSuccessLostLock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("stolen", "true"), now)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)

	err = st.RecordSuccess(ctx, "stolen", "w2", 0, "", "", now)
	require.ErrorIs(t, err, domain.ErrLostLock)

	err = st.RecordSuccess(ctx, "missing", "w1", 0, "", "", now)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordFailureSchedulesRetryWithBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("flaky", "false"), now)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)

	next, err := st.RecordFailure(ctx, "flaky", "w1", 1, "", "", "exit status 1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, next)

	job, err := st.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LockedBy)
	assert.Equal(t, "exit status 1", job.LastError)

	// First retry delay is base^0 + U(0, base/2): between 1s and 2s
	// for the default base of 2. Stored timestamps truncate to
	// milliseconds, so allow a hair under the floor.
	delay := job.RunAt.Sub(now)
	assert.GreaterOrEqual(t, delay, time.Second-5*time.Millisecond)
	assert.Less(t, delay, 2*time.Second)
}

func TestRecordFailureExhaustionMovesToDead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	retries := 2
	_, err := st.Enqueue(ctx, &domain.EnqueueSpec{ID: "doomed", Command: "false", MaxRetries: &retries}, now)
	require.NoError(t, err)

	// Attempts 1 and 2 reschedule, attempt 3 exhausts.
	at := now
	for i := range 3 {
		at = at.Add(time.Hour)
		job, err := st.ClaimNext(ctx, "w1", at)
		require.NoError(t, err)
		require.NotNil(t, job, "claim %d", i+1)

		next, err := st.RecordFailure(ctx, "doomed", "w1", 1, "", "boom", "exit status 1", at)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, domain.StatePending, next)
		} else {
			assert.Equal(t, domain.StateDead, next)
		}
	}

	job, err := st.Get(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDead, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Empty(t, job.LockedBy)

	dead, err := st.DLQList(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].ID)
}

func TestExtendLock(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.Enqueue(ctx, enqueueSpec("long", "sleep 600"), now)
	require.NoError(t, err)
	job, err := st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	firstExpiry := *job.LockExpiresAt

	later := now.Add(2 * time.Minute)
	require.NoError(t, st.ExtendLock(ctx, "long", "w1", later))

	job, err = st.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, job.LockExpiresAt.After(firstExpiry))

	require.ErrorIs(t, st.ExtendLock(ctx, "long", "w2", later), domain.ErrLostLock)
}

func TestSweepExpiredLocks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetSetting(ctx, "lock_timeout_s", "30"))

	_, err := st.Enqueue(ctx, enqueueSpec("s1", "true"), now)
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, enqueueSpec("s2", "true"), now)
	require.NoError(t, err)

	_, err = st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w2", now)
	require.NoError(t, err)

	// Before expiry nothing is reclaimed.
	n, err := st.SweepExpiredLocks(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.SweepExpiredLocks(ctx, now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"s1", "s2"} {
		job, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, job.State)
		assert.Empty(t, job.LockedBy)
		assert.Equal(t, 0, job.Attempts, "recovery is not a retry")
	}
}

func TestDLQRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	retries := 0
	_, err := st.Enqueue(ctx, &domain.EnqueueSpec{ID: "revive", Command: "false", MaxRetries: &retries}, now)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	next, err := st.RecordFailure(ctx, "revive", "w1", 1, "", "", "exit status 1", now)
	require.NoError(t, err)
	require.Equal(t, domain.StateDead, next)

	revivedAt := now.Add(time.Minute)
	require.NoError(t, st.DLQRetry(ctx, "revive", revivedAt))

	job, err := st.Get(ctx, "revive")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, revivedAt.UnixMilli(), job.RunAt.UnixMilli())

	// Second retry on the now-pending job is a conflict.
	require.ErrorIs(t, st.DLQRetry(ctx, "revive", revivedAt), domain.ErrNotDead)
	require.ErrorIs(t, st.DLQRetry(ctx, "nope", revivedAt), domain.ErrNotFound)
}

func TestListAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	future := domain.RFCTime{Time: now.Add(time.Hour)}
	_, err := st.Enqueue(ctx, enqueueSpec("ready", "true"), now)
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, &domain.EnqueueSpec{ID: "scheduled", Command: "true", RunAt: &future}, now)
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, enqueueSpec("done", "true"), now)
	require.NoError(t, err)

	job, err := st.ClaimNext(ctx, "w1", now)
	require.NoError(t, err)
	require.NoError(t, st.RecordSuccess(ctx, job.ID, "w1", 0, "", "", now))

	all, err := st.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := st.List(ctx, ListFilter{State: domain.StatePending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	ready, err := st.List(ctx, ListFilter{ReadyOnly: true, Now: now})
	require.NoError(t, err)
	require.Len(t, ready, 1)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Dead)
}
