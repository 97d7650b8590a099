package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdityaR0811/flam/internal/domain"
)

func TestWorkerRegistry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	w := domain.WorkerInfo{WorkerID: "host-1-abc", PID: 4242, StartedAt: now, LastHeartbeat: now}
	require.NoError(t, st.RegisterWorker(ctx, w))

	workers, err := st.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "host-1-abc", workers[0].WorkerID)
	assert.Equal(t, 4242, workers[0].PID)
	assert.Equal(t, now, workers[0].LastHeartbeat)

	beat := now.Add(5 * time.Second)
	require.NoError(t, st.Heartbeat(ctx, "host-1-abc", beat))

	workers, err = st.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, beat, workers[0].LastHeartbeat)

	require.NoError(t, st.RemoveWorker(ctx, "host-1-abc"))
	workers, err = st.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
