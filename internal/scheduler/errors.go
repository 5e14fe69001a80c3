package scheduler

import "errors"

var (
	// ErrCapExceeded is returned when a firing would exceed the global
	// concurrency limit. Rejected firings are never queued.
	ErrCapExceeded = errors.New("max concurrent executions reached")

	// ErrAlreadyRunning is returned when a job's previous run is still
	// in flight. The new firing is dropped, not queued.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrShuttingDown is returned for executions arriving while the
	// scheduler is draining in-flight runs.
	ErrShuttingDown = errors.New("scheduler is shutting down")

	// ErrTimedOut marks a run that exceeded its declared timeout.
	ErrTimedOut = errors.New("job execution timed out")
)
