package sync

import (
	"time"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// Mode is the extraction strategy of a sync run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ChangeKind classifies a detected change.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeMoved   ChangeKind = "moved"
)

// Change is one detected difference between the source and the hash index.
// Changes live only for the duration of a run.
type Change struct {
	RecordID     string        `json:"record_id"`
	Kind         ChangeKind    `json:"kind"`
	DetectedAt   time.Time     `json:"detected_at"`
	CurrentHash  string        `json:"current_hash,omitempty"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	MovedTo      string        `json:"moved_to,omitempty"`
	Record       *invoice.Data `json:"-"`
}

// Status is the lifecycle state of a sync run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result reports one sync run.
type Result struct {
	ID           string       `json:"id"`
	SourceType   source.Type  `json:"source_type"`
	Mode         Mode         `json:"mode"`
	Status       Status       `json:"status"`
	Since        *time.Time   `json:"since,omitempty"`
	ExtractionID string       `json:"extraction_id,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Extracted    int          `json:"extracted"`
	Invalid      int          `json:"invalid"`
	Created      int          `json:"created"`
	Updated      int          `json:"updated"`
	Deleted      int          `json:"deleted"`
	Moved        int          `json:"moved"`
	Skipped      int          `json:"skipped"`
	Conflicts    int          `json:"conflicts"`
	Failed       int          `json:"failed"`
	Resolutions  []Resolution `json:"resolutions,omitempty"`
	Digest       string       `json:"digest,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
}

// Applied returns how many changes reached the destination.
func (r *Result) Applied() int {
	return r.Created + r.Updated + r.Deleted + r.Moved
}

func (r *Result) changeCounts() map[string]int {
	return map[string]int{
		string(ChangeCreated): r.Created,
		string(ChangeUpdated): r.Updated,
		string(ChangeDeleted): r.Deleted,
		string(ChangeMoved):   r.Moved,
		"skipped":             r.Skipped,
		"failed":              r.Failed,
	}
}

func (r *Result) clone() *Result {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	c.Resolutions = append([]Resolution(nil), r.Resolutions...)
	if r.Since != nil {
		t := *r.Since
		c.Since = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
