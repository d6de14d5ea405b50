package batch

import (
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/internal/docstore"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// Checkpoint is the durable progress record of a job.
type Checkpoint struct {
	JobID            string             `json:"job_id"`
	CurrentBatch     int                `json:"current_batch"`
	ProcessedRecords int                `json:"processed_records"`
	FailedRecords    int                `json:"failed_records"`
	Timestamp        time.Time          `json:"timestamp"`
	Metadata         CheckpointMetadata `json:"metadata"`
}

// CheckpointMetadata carries enough of the job to rebuild it after a restart.
type CheckpointMetadata struct {
	SourceType   source.Type    `json:"source_type"`
	Filter       invoice.Filter `json:"filter"`
	BatchSize    int            `json:"batch_size"`
	Priority     int            `json:"priority"`
	Status       Status         `json:"status"`
	TotalRecords int            `json:"total_records"`
	TotalBatches int            `json:"total_batches"`
	Errors       []string       `json:"errors,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func checkpointOf(j *Job, at time.Time) *Checkpoint {
	c := j.clone()
	return &Checkpoint{
		JobID:            c.ID,
		CurrentBatch:     c.CurrentBatch,
		ProcessedRecords: c.ProcessedRecords,
		FailedRecords:    c.FailedRecords,
		Timestamp:        at,
		Metadata: CheckpointMetadata{
			SourceType:   c.SourceType,
			Filter:       c.Filter,
			BatchSize:    c.BatchSize,
			Priority:     c.Priority,
			Status:       c.Status,
			TotalRecords: c.TotalRecords,
			TotalBatches: c.TotalBatches,
			Errors:       c.Errors,
			CreatedAt:    c.CreatedAt,
			StartedAt:    c.StartedAt,
			CompletedAt:  c.CompletedAt,
		},
	}
}

// Job rebuilds the job the checkpoint was taken from.
func (cp *Checkpoint) Job() *Job {
	m := cp.Metadata
	return &Job{
		ID:               cp.JobID,
		SourceType:       m.SourceType,
		Filter:           m.Filter,
		Priority:         m.Priority,
		BatchSize:        m.BatchSize,
		Status:           m.Status,
		TotalRecords:     m.TotalRecords,
		TotalBatches:     m.TotalBatches,
		CurrentBatch:     cp.CurrentBatch,
		ProcessedRecords: cp.ProcessedRecords,
		FailedRecords:    cp.FailedRecords,
		Errors:           append([]string(nil), m.Errors...),
		CreatedAt:        m.CreatedAt,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
	}
}

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	Save(cp *Checkpoint) error
	Load(jobID string) (*Checkpoint, error)
	Delete(jobID string) error
	List() ([]*Checkpoint, error)
}

// DocCheckpoints keeps one JSON document per job.
type DocCheckpoints struct {
	docs *docstore.Store
}

// NewDocCheckpoints stores checkpoints in docs.
func NewDocCheckpoints(docs *docstore.Store) *DocCheckpoints {
	return &DocCheckpoints{docs: docs}
}

// Save writes cp atomically.
func (s *DocCheckpoints) Save(cp *Checkpoint) error {
	return errors.Wrapf(s.docs.Put(cp.JobID, cp), "save checkpoint for job %s", cp.JobID)
}

// Load reads the checkpoint of jobID.
func (s *DocCheckpoints) Load(jobID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.docs.Get(jobID, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Delete removes the checkpoint of jobID.
func (s *DocCheckpoints) Delete(jobID string) error {
	return s.docs.Delete(jobID)
}

// List reads every stored checkpoint. Unreadable documents are skipped.
func (s *DocCheckpoints) List() ([]*Checkpoint, error) {
	ids, err := s.docs.List()
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
