// Package schedule runs extraction, sync, batch and reconciliation work on
// cron, interval and one-shot schedules.
//
// Job definitions live one JSON document per id so a restart reloads the
// whole schedule. Every firing creates an Execution row in SQLite; retries
// of a failed firing stay on the same execution and bump its retry count.
package schedule

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/source"
)

// JobType selects the executor a job dispatches to.
type JobType string

const (
	JobFullExtraction     JobType = "full_extraction"
	JobIncrementalSync    JobType = "incremental_sync"
	JobBatchProcessing    JobType = "batch_processing"
	JobDataReconciliation JobType = "data_reconciliation"
	JobCleanup            JobType = "cleanup"
	JobHealthCheck        JobType = "health_check"
)

// needsSource reports whether jobs of type t operate on one source type.
func (t JobType) needsSource() bool {
	switch t {
	case JobFullExtraction, JobIncrementalSync, JobBatchProcessing, JobDataReconciliation:
		return true
	}
	return false
}

// State is the lifecycle state of a scheduled job.
type State string

const (
	StateActive    State = "active"    // fires on schedule
	StatePaused    State = "paused"    // paused by an operator
	StateDisabled  State = "disabled"  // unscheduled
	StateCompleted State = "completed" // one-shot job finished successfully
	StateFailed    State = "failed"    // one-shot job failed terminally
)

// Terminal reports whether the job can never fire again.
func (s State) Terminal() bool {
	return s == StateDisabled || s == StateCompleted || s == StateFailed
}

// Kind is the schedule type.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

// Spec describes when a job fires.
type Spec struct {
	Kind            Kind       `json:"kind" validate:"required,oneof=cron interval once"`
	Cron            string     `json:"cron,omitempty" validate:"required_if=Kind cron"`
	IntervalSeconds int        `json:"interval_seconds,omitempty" validate:"required_if=Kind interval,gte=0"`
	At              *time.Time `json:"at,omitempty" validate:"required_if=Kind once"`
}

// cronParser accepts standard five-field expressions and descriptors such
// as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Next returns the first trigger strictly after from, or nil when the
// schedule is exhausted.
func (s Spec) Next(from time.Time) (*time.Time, error) {
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "cron %q: %v", s.Cron, err)
		}
		next := sched.Next(from)
		return &next, nil
	case KindInterval:
		if s.IntervalSeconds <= 0 {
			return nil, errors.NewInvalidRequestError("interval must be positive")
		}
		next := from.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &next, nil
	case KindOnce:
		if s.At == nil || !s.At.After(from) {
			return nil, nil
		}
		at := *s.At
		return &at, nil
	}
	return nil, errors.NewInvalidRequestError("unknown schedule kind %q", s.Kind)
}

// first returns the initial trigger of a newly scheduled job. A one-shot
// job whose time has passed fires on the next tick.
func (s Spec) first(now time.Time) (*time.Time, error) {
	if s.Kind == KindOnce && s.At != nil {
		at := *s.At
		return &at, nil
	}
	return s.Next(now)
}

// Condition is what a dependency requires of the job it names.
type Condition string

const (
	ConditionCompletion Condition = "completion" // last execution finished, any outcome
	ConditionSuccess    Condition = "success"    // last execution completed successfully
)

// Dependency gates a job on another job's last execution.
type Dependency struct {
	JobID     string    `json:"job_id" validate:"required"`
	Condition Condition `json:"condition" validate:"required,oneof=completion success"`
}

// Job is a scheduled unit of work.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name" validate:"required"`
	Type           JobType         `json:"job_type" validate:"required,oneof=full_extraction incremental_sync batch_processing data_reconciliation cleanup health_check"`
	SourceType     source.Type     `json:"source_type,omitempty"`
	Schedule       Spec            `json:"schedule"`
	State          State           `json:"status"`
	Dependencies   []Dependency    `json:"dependencies,omitempty" validate:"dive"`
	MaxRetries     int             `json:"max_retries" validate:"gte=0,lte=20"`
	AllowOverlap   bool            `json:"allow_overlap"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty" validate:"gte=0"`
	Config         json.RawMessage `json:"config,omitempty"`

	ExecutionCount  int             `json:"execution_count"`
	SuccessCount    int             `json:"success_count"`
	FailureCount    int             `json:"failure_count"`
	NextExecution   *time.Time      `json:"next_execution,omitempty"`
	LastExecution   *time.Time      `json:"last_execution,omitempty"`
	LastExecutionID string          `json:"last_execution_id,omitempty"`
	LastStatus      ExecutionStatus `json:"last_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the definition fields of a job.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(err, "job validation")
		}
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fe.Namespace()+": "+fe.Tag())
		}
		return errors.NewInvalidRequestError("job %q: %s", j.Name, strings.Join(parts, ", "))
	}
	if j.Type.needsSource() && j.SourceType == "" {
		return errors.NewInvalidRequestError("job %q: %s requires a source type", j.Name, j.Type)
	}
	if j.Schedule.Kind == KindCron {
		if _, err := cronParser.Parse(j.Schedule.Cron); err != nil {
			return errors.NewInvalidRequestError("job %q: cron %q: %v", j.Name, j.Schedule.Cron, err)
		}
	}
	for _, dep := range j.Dependencies {
		if dep.JobID == j.ID {
			return errors.NewInvalidRequestError("job %q depends on itself", j.Name)
		}
	}
	if len(j.Config) > 0 && !json.Valid(j.Config) {
		return errors.NewInvalidRequestError("job %q: config is not valid JSON", j.Name)
	}
	return nil
}

// Timeout returns the per-attempt timeout, zero meaning none.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// DecodeConfig unmarshals the job's config into v. An empty config leaves v
// untouched.
func (j *Job) DecodeConfig(v interface{}) error {
	if len(j.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Config, v); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s config: %v", j.ID, err)
	}
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	c.Dependencies = append([]Dependency(nil), j.Dependencies...)
	c.Config = append(json.RawMessage(nil), j.Config...)
	if j.Schedule.At != nil {
		at := *j.Schedule.At
		c.Schedule.At = &at
	}
	if j.NextExecution != nil {
		t := *j.NextExecution
		c.NextExecution = &t
	}
	if j.LastExecution != nil {
		t := *j.LastExecution
		c.LastExecution = &t
	}
	return &c
}
