package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/erpsync/errors"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const executionColumns = `id, job_id, job_type, status, scheduled_at, started_at,
	completed_at, duration_ms, retry_count, result, error_message, created_at, updated_at`

// ExecutionStore persists execution history in the scheduler_executions table.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates an execution store over a migrated database.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Create inserts a new execution record.
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) error {
	query := `INSERT INTO scheduler_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var duration interface{}
	if exec.DurationMS != nil {
		duration = *exec.DurationMS
	}
	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.JobID,
		string(exec.JobType),
		string(exec.Status),
		formatTime(exec.ScheduledAt),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
		duration,
		exec.RetryCount,
		nullString(exec.Result),
		nullString(exec.Error),
		formatTime(exec.CreatedAt),
		formatTime(exec.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// Update writes the mutable fields of an execution.
func (s *ExecutionStore) Update(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE scheduler_executions
		SET status = ?,
		    started_at = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    retry_count = ?,
		    result = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?`

	var duration interface{}
	if exec.DurationMS != nil {
		duration = *exec.DurationMS
	}
	res, err := s.db.ExecContext(ctx, query,
		string(exec.Status),
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
		duration,
		exec.RetryCount,
		nullString(exec.Result),
		nullString(exec.Error),
		formatTime(exec.UpdatedAt),
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("execution %s", exec.ID)
	}
	return nil
}

// Get returns one execution.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM scheduler_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// List returns a job's executions, newest first. A non-positive limit
// returns all of them.
func (s *ExecutionStore) List(ctx context.Context, jobID string, limit int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM scheduler_executions
		WHERE job_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListByStatus returns executions in the given status, oldest first.
func (s *ExecutionStore) ListByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM scheduler_executions
		WHERE status = ? ORDER BY created_at, id`, string(status))
}

// Prune deletes finished executions created before cutoff.
func (s *ExecutionStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduler_executions
		WHERE created_at < ? AND status NOT IN (?, ?)`,
		formatTime(cutoff), string(ExecutionPending), string(ExecutionRunning))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return int(n), nil
}

// CountByStatus returns the number of executions per status.
func (s *ExecutionStore) CountByStatus(ctx context.Context) (map[ExecutionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduler_executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	out := make(map[ExecutionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		out[ExecutionStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *ExecutionStore) query(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec                          Execution
		jobType, status               string
		scheduledAt, createdAt, updAt string
		startedAt, completedAt        sql.NullString
		result, errorMessage          sql.NullString
		duration                      sql.NullInt64
	)
	if err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&jobType,
		&status,
		&scheduledAt,
		&startedAt,
		&completedAt,
		&duration,
		&exec.RetryCount,
		&result,
		&errorMessage,
		&createdAt,
		&updAt,
	); err != nil {
		return nil, err
	}
	exec.JobType = JobType(jobType)
	exec.Status = ExecutionStatus(status)
	exec.Result = result.String
	exec.Error = errorMessage.String
	if duration.Valid {
		d := duration.Int64
		exec.DurationMS = &d
	}

	var err error
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{
		{scheduledAt, &exec.ScheduledAt},
		{createdAt, &exec.CreatedAt},
		{updAt, &exec.UpdatedAt},
	} {
		if *f.dst, err = time.Parse(timeLayout, f.raw); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		raw sql.NullString
		dst **time.Time
	}{
		{startedAt, &exec.StartedAt},
		{completedAt, &exec.CompletedAt},
	} {
		if !f.raw.Valid {
			continue
		}
		t, err := time.Parse(timeLayout, f.raw.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &t
	}
	return &exec, nil
}
