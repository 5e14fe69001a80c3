package types

import "time"

// ExecutionStatus is the lifecycle state of a single job run.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobExecution is the in-memory record of one run. It exists only while
// the run is in flight or until the next status query; nothing is
// persisted.
type JobExecution struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	StartTime time.Time       `json:"start_time"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Records   int             `json:"records"`
	Summary   string          `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
}
