package domain

import "errors"

// Domain errors - returned by the store and checked by the worker,
// supervisor and CLI layers.

var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateID indicates an enqueue collided with an existing job id.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrLostLock indicates a worker tried to finalize or extend a job
	// it no longer owns. The computed outcome must be discarded.
	ErrLostLock = errors.New("job lock no longer held")

	// ErrNotDead indicates a DLQ retry on a job that is not dead.
	ErrNotDead = errors.New("job is not dead")

	// ErrAlreadyRunning indicates worker start while live workers are
	// still registered.
	ErrAlreadyRunning = errors.New("workers already running")

	// ErrUnknownKey indicates a config get/set with an undeclared key.
	ErrUnknownKey = errors.New("unknown config key")

	// ErrInvalidValue indicates a config value that fails typed coercion
	// or a range check.
	ErrInvalidValue = errors.New("invalid config value")
)

// IsInput reports whether err is a caller-input error: malformed
// payload, unknown key, bad coercion. The CLI maps these to exit
// code 2.
func IsInput(err error) bool {
	return errors.Is(err, ErrUnknownKey) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.As(err, new(ValidationError))
}
