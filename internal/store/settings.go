package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/AdityaR0811/flam/internal/domain"
)

// Tunables are the live-readable queue settings. Workers reload them
// once per loop iteration; values captured into job rows at enqueue are
// not retroactively affected by later Set calls.
type Tunables struct {
	MaxRetries     int     `json:"max_retries"`
	BackoffBase    float64 `json:"backoff_base"`
	PollIntervalMs int     `json:"poll_interval_ms"`
	LockTimeoutS   int     `json:"lock_timeout_s"`
	JobTimeoutS    int     `json:"job_timeout_s"`
	MaxBackoffS    int     `json:"max_backoff_s"`
}

type settingKind int

const (
	kindInt settingKind = iota
	kindFloat
)

type settingDef struct {
	kind     settingKind
	def      string
	validate func(intV int64, floatV float64) error
}

var settingDefs = map[string]settingDef{
	"max_retries": {kind: kindInt, def: "3", validate: func(i int64, _ float64) error {
		if i < 0 {
			return fmt.Errorf("must be >= 0")
		}
		return nil
	}},
	"backoff_base": {kind: kindFloat, def: "2.0", validate: func(_ int64, f float64) error {
		if f <= 1 {
			return fmt.Errorf("must be > 1")
		}
		return nil
	}},
	"poll_interval_ms": {kind: kindInt, def: "500", validate: func(i int64, _ float64) error {
		if i <= 0 {
			return fmt.Errorf("must be > 0")
		}
		return nil
	}},
	"lock_timeout_s": {kind: kindInt, def: "300", validate: func(i int64, _ float64) error {
		if i <= 0 {
			return fmt.Errorf("must be > 0")
		}
		return nil
	}},
	"job_timeout_s": {kind: kindInt, def: "0", validate: func(i int64, _ float64) error {
		if i < 0 {
			return fmt.Errorf("must be >= 0")
		}
		return nil
	}},
	"max_backoff_s": {kind: kindInt, def: "3600", validate: func(i int64, _ float64) error {
		if i <= 0 {
			return fmt.Errorf("must be > 0")
		}
		return nil
	}},
}

// coerce validates value against the key's declared type and range,
// returning the canonical string form.
func coerce(key, value string) (string, error) {
	def, ok := settingDefs[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, domain.ErrUnknownKey)
	}

	switch def.kind {
	case kindInt:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%s=%q: %w", key, value, domain.ErrInvalidValue)
		}
		if err := def.validate(i, 0); err != nil {
			return "", fmt.Errorf("%s=%q %v: %w", key, value, err, domain.ErrInvalidValue)
		}
		return strconv.FormatInt(i, 10), nil
	case kindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("%s=%q: %w", key, value, domain.ErrInvalidValue)
		}
		if err := def.validate(0, f); err != nil {
			return "", fmt.Errorf("%s=%q %v: %w", key, value, err, domain.ErrInvalidValue)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("%s: %w", key, domain.ErrUnknownKey)
}

// GetSetting returns the stored value for key, or its default.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	def, ok := settingDefs[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, domain.ErrUnknownKey)
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def.def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return value, nil
}

// SetSetting coerces and stores a tunable. Unknown keys and values that
// fail coercion are rejected without touching state.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	canonical, err := coerce(key, value)
	if err != nil {
		return err
	}

	return withBusyRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			key, canonical)
		if err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		return nil
	})
}

// AllSettings returns every declared key with its effective value.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(settingDefs))
	for key, def := range settingDefs {
		out[key] = def.def
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if _, ok := settingDefs[key]; ok {
			out[key] = value
		}
	}
	return out, rows.Err()
}

// LoadTunables reads all settings into a typed snapshot.
func (s *Store) LoadTunables(ctx context.Context) (*Tunables, error) {
	settings, err := s.AllSettings(ctx)
	if err != nil {
		return nil, err
	}

	t := &Tunables{}
	t.MaxRetries, err = atoiSetting(settings, "max_retries")
	if err != nil {
		return nil, err
	}
	t.BackoffBase, err = atofSetting(settings, "backoff_base")
	if err != nil {
		return nil, err
	}
	t.PollIntervalMs, err = atoiSetting(settings, "poll_interval_ms")
	if err != nil {
		return nil, err
	}
	t.LockTimeoutS, err = atoiSetting(settings, "lock_timeout_s")
	if err != nil {
		return nil, err
	}
	t.JobTimeoutS, err = atoiSetting(settings, "job_timeout_s")
	if err != nil {
		return nil, err
	}
	t.MaxBackoffS, err = atoiSetting(settings, "max_backoff_s")
	if err != nil {
		return nil, err
	}
	return t, nil
}

func atoiSetting(settings map[string]string, key string) (int, error) {
	i, err := strconv.Atoi(settings[key])
	if err != nil {
		return 0, fmt.Errorf("corrupt config value %s=%q: %w", key, settings[key], err)
	}
	return i, nil
}

func atofSetting(settings map[string]string, key string) (float64, error) {
	f, err := strconv.ParseFloat(settings[key], 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt config value %s=%q: %w", key, settings[key], err)
	}
	return f, nil
}
