package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
)

func TestSpecNext(t *testing.T) {
	from := time.Date(2025, 6, 2, 12, 1, 30, 0, time.UTC)
	past := from.Add(-time.Hour)
	future := from.Add(time.Hour)

	tests := []struct {
		name string
		spec Spec
		want *time.Time
	}{
		{"cron every five minutes", Spec{Kind: KindCron, Cron: "*/5 * * * *"}, ptr(time.Date(2025, 6, 2, 12, 5, 0, 0, time.UTC))},
		{"cron descriptor", Spec{Kind: KindCron, Cron: "@hourly"}, ptr(time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC))},
		{"interval", Spec{Kind: KindInterval, IntervalSeconds: 90}, ptr(from.Add(90 * time.Second))},
		{"once in the future", Spec{Kind: KindOnce, At: &future}, &future},
		{"once in the past", Spec{Kind: KindOnce, At: &past}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Next(from)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestSpecNext_Invalid(t *testing.T) {
	now := time.Now()
	for _, spec := range []Spec{
		{Kind: KindCron, Cron: "every tuesday"},
		{Kind: KindInterval},
		{Kind: "hourly"},
	} {
		_, err := spec.Next(now)
		assert.True(t, errors.IsInvalidRequestError(err), "spec %+v: %v", spec, err)
	}
}

func TestSpecFirst_PastOnceFiresImmediately(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	at := now.Add(-time.Minute)
	got, err := Spec{Kind: KindOnce, At: &at}.first(now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(at))
}

func validJob() *Job {
	return &Job{
		ID:         "job-1",
		Name:       "nightly extraction",
		Type:       JobFullExtraction,
		SourceType: "memory",
		Schedule:   Spec{Kind: KindCron, Cron: "0 2 * * *"},
		MaxRetries: 3,
	}
}

func TestJobValidate(t *testing.T) {
	require.NoError(t, validJob().Validate())

	cleanup := validJob()
	cleanup.Type = JobCleanup
	cleanup.SourceType = ""
	require.NoError(t, cleanup.Validate(), "cleanup jobs run without a source")

	tests := []struct {
		name   string
		mutate func(j *Job)
		want   string
	}{
		{"missing name", func(j *Job) { j.Name = "" }, "name"},
		{"unknown type", func(j *Job) { j.Type = "export" }, "job_type"},
		{"missing source", func(j *Job) { j.SourceType = "" }, "requires a source type"},
		{"unknown kind", func(j *Job) { j.Schedule.Kind = "weekly" }, "kind"},
		{"interval without seconds", func(j *Job) { j.Schedule = Spec{Kind: KindInterval} }, "interval_seconds"},
		{"once without time", func(j *Job) { j.Schedule = Spec{Kind: KindOnce} }, "at"},
		{"bad cron", func(j *Job) { j.Schedule.Cron = "61 * * * *" }, "cron"},
		{"too many retries", func(j *Job) { j.MaxRetries = 21 }, "max_retries"},
		{"self dependency", func(j *Job) { j.Dependencies = []Dependency{{JobID: "job-1", Condition: ConditionSuccess}} }, "depends on itself"},
		{"bad condition", func(j *Job) { j.Dependencies = []Dependency{{JobID: "job-0", Condition: "maybe"}} }, "condition"},
		{"bad config", func(j *Job) { j.Config = json.RawMessage(`{"batch_size":`) }, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(j)
			err := j.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJobDecodeConfig(t *testing.T) {
	j := validJob()
	var cfg struct {
		BatchSize int `json:"batch_size"`
	}
	cfg.BatchSize = 7
	require.NoError(t, j.DecodeConfig(&cfg))
	assert.Equal(t, 7, cfg.BatchSize, "empty config leaves defaults")

	j.Config = json.RawMessage(`{"batch_size": 250}`)
	require.NoError(t, j.DecodeConfig(&cfg))
	assert.Equal(t, 250, cfg.BatchSize)

	j.Config = json.RawMessage(`{"batch_size": "lots"}`)
	assert.True(t, errors.IsInvalidRequestError(j.DecodeConfig(&cfg)))
}

func TestJobClone(t *testing.T) {
	j := validJob()
	next := time.Now()
	j.NextExecution = &next
	j.Dependencies = []Dependency{{JobID: "job-0", Condition: ConditionCompletion}}

	c := j.clone()
	c.Dependencies[0].JobID = "other"
	*c.NextExecution = next.Add(time.Hour)

	assert.Equal(t, "job-0", j.Dependencies[0].JobID)
	assert.True(t, j.NextExecution.Equal(next))
}

func ptr[T any](v T) *T { return &v }
