package extract

import (
	"time"

	"github.com/teranos/erpsync/source"
)

// Status is the lifecycle state of an extraction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// Result tracks one extraction. Only the Coordinator mutates it; callers
// receive copies.
type Result struct {
	ID               string      `json:"id"`
	SourceType       source.Type `json:"source_type"`
	Status           Status      `json:"status"`
	TotalRecords     int         `json:"total_records"`
	ExtractedRecords int         `json:"extracted_records"`
	FailedRecords    int         `json:"failed_records"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
}

// Duration returns how long the extraction ran, or has run so far.
func (r *Result) Duration(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

func (r *Result) clone() *Result {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
