package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnqueueSpec(t *testing.T) {
	specs, err := ParseEnqueueSpecs([]byte(`{
		"id": "j1",
		"command": "echo hi",
		"priority": 5,
		"run_at": "2026-08-01T12:00:00Z",
		"timeout_s": 30,
		"max_retries": 2,
		"backoff_base": 1.5
	}`))
	require.NoError(t, err)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, "j1", spec.ID)
	assert.Equal(t, "echo hi", spec.Command)
	assert.Equal(t, 5, spec.Priority)
	require.NotNil(t, spec.RunAt)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), spec.RunAt.Time)
	assert.Equal(t, 30, *spec.TimeoutS)
	assert.Equal(t, 2, *spec.MaxRetries)
	assert.InDelta(t, 1.5, *spec.BackoffBase, 1e-9)
}

func TestParseEnqueueSpecBulk(t *testing.T) {
	specs, err := ParseEnqueueSpecs([]byte(`[
		{"command": "echo one"},
		{"command": "echo two", "priority": 1}
	]`))
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "echo one", specs[0].Command)
	assert.Equal(t, 1, specs[1].Priority)
}

func TestParseEnqueueSpecRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown field", `{"command": "true", "sudo": true}`},
		{"missing command", `{"priority": 1}`},
		{"bad type", `{"command": "true", "priority": "high"}`},
		{"negative timeout", `{"command": "true", "timeout_s": -1}`},
		{"negative retries", `{"command": "true", "max_retries": -2}`},
		{"base not above one", `{"command": "true", "backoff_base": 1.0}`},
		{"bad timestamp", `{"command": "true", "run_at": "tomorrow"}`},
		{"unknown field in bulk", `[{"command": "true", "extra": 1}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnqueueSpecs([]byte(tc.payload))
			require.Error(t, err)
			assert.True(t, IsInput(err), "expected an input error, got %v", err)
		})
	}
}
