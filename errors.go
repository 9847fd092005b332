package scheduler

import "github.com/cockroachdb/errors"

// Error kinds. Each failure produced by the scheduler or a store backend is
// marked with exactly one of these sentinels so callers can classify it with
// the Is* predicates without depending on message text.
var (
	// ErrNotFound marks a job that vanished or was already transitioned by
	// a concurrent actor. During a cycle this is an expected race, not a
	// fault: the job is skipped and logged at info level.
	ErrNotFound = errors.New("scheduled job not found")

	// ErrValidation marks a job missing fields the execution agent requires.
	ErrValidation = errors.New("scheduled job validation failed")

	// ErrAgentExecution marks an execution agent failure or timeout.
	ErrAgentExecution = errors.New("agent execution failed")

	// ErrStore marks a datastore that is unreachable or inconsistent.
	ErrStore = errors.New("schedule store error")

	// ErrConfig marks an invalid configuration value, e.g. a malformed
	// recurrence policy on an existing job.
	ErrConfig = errors.New("invalid scheduler configuration")
)

// NotFoundf creates a new ErrNotFound-class error.
func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Validationf creates a new ErrValidation-class error.
func Validationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// AgentExecutionf creates a new ErrAgentExecution-class error.
func AgentExecutionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrAgentExecution)
}

// StoreErrf wraps a backend error as ErrStore-class.
func StoreErrf(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStore)
}

func IsNotFound(err error) bool       { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool     { return errors.Is(err, ErrValidation) }
func IsAgentExecution(err error) bool { return errors.Is(err, ErrAgentExecution) }
func IsStoreErr(err error) bool       { return errors.Is(err, ErrStore) }
func IsConfig(err error) bool         { return errors.Is(err, ErrConfig) }
