package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EnqueueSpec is the enqueue payload. Absent (nil) MaxRetries and
// BackoffBase fall back to config values captured at enqueue time by the
// store; an explicit value, including 0, is kept as given.
type EnqueueSpec struct {
	ID          string   `json:"id,omitempty"`
	Command     string   `json:"command"`
	Priority    int      `json:"priority,omitempty"`
	RunAt       *RFCTime `json:"run_at,omitempty"`
	TimeoutS    *int     `json:"timeout_s,omitempty"`
	MaxRetries  *int     `json:"max_retries,omitempty"`
	BackoffBase *float64 `json:"backoff_base,omitempty"`
}

// RFCTime unmarshals an ISO-8601 / RFC 3339 UTC timestamp.
type RFCTime struct {
	time.Time
}

func (t *RFCTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("run_at must be RFC 3339: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t RFCTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// ValidationError describes a rejected enqueue payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// Validate applies the payload schema checks.
func (s *EnqueueSpec) Validate() error {
	if s.Command == "" {
		return ValidationError{Field: "command", Reason: "is required"}
	}
	if s.TimeoutS != nil && *s.TimeoutS < 0 {
		return ValidationError{Field: "timeout_s", Reason: "must be >= 0"}
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if s.BackoffBase != nil && *s.BackoffBase <= 1 {
		return ValidationError{Field: "backoff_base", Reason: "must be > 1"}
	}
	return nil
}

// ParseEnqueueSpec decodes a single payload object, rejecting unknown
// fields and bad types.
func ParseEnqueueSpec(r io.Reader) (*EnqueueSpec, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	spec := &EnqueueSpec{}
	if err := dec.Decode(spec); err != nil {
		return nil, ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// ParseEnqueueSpecs decodes either a single payload object or an array
// of them (bulk enqueue).
func ParseEnqueueSpecs(data []byte) ([]*EnqueueSpec, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()

		var specs []*EnqueueSpec
		if err := dec.Decode(&specs); err != nil {
			return nil, ValidationError{Field: "payload", Reason: err.Error()}
		}
		for _, spec := range specs {
			if err := spec.Validate(); err != nil {
				return nil, err
			}
		}
		return specs, nil
	}

	spec, err := ParseEnqueueSpec(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return []*EnqueueSpec{spec}, nil
}
