// Package batch processes large extractions as sequences of fixed-size
// batches on a worker pool.
//
// Jobs are counted once at submission, split into ceil(total/batch_size)
// batches and worked through sequentially by one worker. Progress is
// checkpointed so a job can be paused, resumed, cancelled, or picked up
// again after a restart:
//
//	p := batch.NewProcessor(coordinator, sink, checkpoints, batch.DefaultConfig(), log)
//	p.Start()
//	defer p.Stop()
//
//	id, err := p.Submit(ctx, batch.Job{SourceType: "erp", BatchSize: 1000})
package batch

import (
	"time"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// Status represents the current state of a batch job
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a job in status s will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a batched extraction.
type Job struct {
	ID               string         `json:"id"`
	SourceType       source.Type    `json:"source_type"`
	Filter           invoice.Filter `json:"filter"`
	Priority         int            `json:"priority"` // higher runs first
	BatchSize        int            `json:"batch_size"`
	Status           Status         `json:"status"`
	TotalRecords     int            `json:"total_records"`
	TotalBatches     int            `json:"total_batches"`
	CurrentBatch     int            `json:"current_batch"` // next batch to process
	ProcessedRecords int            `json:"processed_records"`
	FailedRecords    int            `json:"failed_records"`
	Errors           []string       `json:"errors,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Throughput returns processed records per second of elapsed run time.
func (j *Job) Throughput(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	elapsed := end.Sub(*j.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(j.ProcessedRecords) / elapsed
}

// Progress returns completed batches as a percentage (0-100).
func (j *Job) Progress() float64 {
	if j.TotalBatches == 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(j.CurrentBatch) / float64(j.TotalBatches) * 100
}

func (j *Job) clone() *Job {
	c := *j
	c.Filter = j.Filter.WithPage(j.Filter.Offset, j.Filter.PageSize)
	c.Errors = append([]string(nil), j.Errors...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ProcessingMetrics summarizes the processor.
type ProcessingMetrics struct {
	TotalJobs        int     `json:"total_jobs"`
	QueuedJobs       int     `json:"queued_jobs"`
	ProcessingJobs   int     `json:"processing_jobs"`
	PausedJobs       int     `json:"paused_jobs"`
	CompletedJobs    int     `json:"completed_jobs"`
	FailedJobs       int     `json:"failed_jobs"`
	CancelledJobs    int     `json:"cancelled_jobs"`
	ProcessedRecords int     `json:"processed_records"`
	FailedRecords    int     `json:"failed_records"`
	Throughput       float64 `json:"throughput"`        // processed / elapsed across all started jobs
	ActiveThroughput float64 `json:"active_throughput"` // sum over processing jobs
	Workers          int     `json:"workers"`
	MaxConcurrent    int     `json:"max_concurrent_jobs"`
}
