package schedule

import "time"

// ExecutionStatus is the state of one firing.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Finished reports whether the execution has ended.
func (s ExecutionStatus) Finished() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionSkipped:
		return true
	}
	return false
}

// Execution records one firing of a scheduled job.
//
// RetryCount is the number of attempts after the first, so a firing that
// exhausted MaxRetries=3 ends failed with RetryCount 3.
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	JobType     JobType         `json:"job_type"`
	Status      ExecutionStatus `json:"status"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Duration returns the recorded duration, zero while running.
func (e *Execution) Duration() time.Duration {
	if e.DurationMS == nil {
		return 0
	}
	return time.Duration(*e.DurationMS) * time.Millisecond
}
