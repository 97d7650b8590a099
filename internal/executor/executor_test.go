package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	result := NewShell().Execute(context.Background(), "echo ok", 0)

	assert.Equal(t, Exited, result.Outcome)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "ok\n", string(result.Stdout))
}

func TestExecuteNonZeroExit(t *testing.T) {
	result := NewShell().Execute(context.Background(), "echo bad >&2; exit 3", 0)

	assert.Equal(t, Exited, result.Outcome)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "bad\n", string(result.Stderr))
}

func TestExecuteTimeoutKillsProcessTree(t *testing.T) {
	start := time.Now()
	result := NewShell().Execute(context.Background(), "sleep 30", 1)

	assert.Equal(t, TimedOut, result.Outcome)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout was enforced")
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestExecuteContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := NewShell().Execute(ctx, "sleep 30", 0)

	assert.Equal(t, TimedOut, result.Outcome)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTail(t *testing.T) {
	short := []byte("hello")
	assert.Equal(t, "hello", Tail(short))

	long := []byte(strings.Repeat("x", TailLimit) + "tail-end")
	tail := Tail(long)
	require.Len(t, tail, TailLimit)
	assert.True(t, strings.HasSuffix(tail, "tail-end"), "tail keeps the end, not the head")
}

func TestExecuteCapturesLargeOutputTail(t *testing.T) {
	// 64 KiB of output; only the last 8 KiB survive persistence.
	result := NewShell().Execute(context.Background(), "head -c 65536 /dev/zero | tr '\\0' 'a'; printf END", 0)

	require.Equal(t, Exited, result.Outcome)
	tail := Tail(result.Stdout)
	assert.Len(t, tail, TailLimit)
	assert.True(t, strings.HasSuffix(tail, "END"))
}
