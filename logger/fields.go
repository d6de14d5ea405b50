package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared across components.
const (
	// Identity and context
	FieldJobID            = "job_id"
	FieldExecutionID      = "execution_id"
	FieldSyncID           = "sync_id"
	FieldReconciliationID = "reconciliation_id"
	FieldExtractionID     = "extraction_id"
	FieldRecordID         = "record_id"

	FieldSourceType = "source_type"
	FieldJobType    = "job_type"
	FieldMode       = "mode"
	FieldAttempt    = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"
	FieldSince      = "since"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount      = "count"
	FieldBatch      = "batch"
	FieldBatchSize  = "batch_size"
	FieldTotalCount = "total_count"
	FieldProcessed  = "processed"
	FieldFailed     = "failed"

	FieldStatus = "status"
	FieldPath   = "path"

	FieldSymbol = "symbol" // segment symbol (꩜, ⇄, ⋈, ...)
)

type fieldsKey struct{}

// WithFields returns a context whose FromContext loggers carry the given
// key/value pairs in addition to any already attached.
func WithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	prev := FieldsFromContext(ctx)
	fields := make([]interface{}, 0, len(prev)+len(keysAndValues))
	fields = append(fields, prev...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// WithJobID attaches a job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return WithFields(ctx, FieldJobID, jobID)
}

// WithSourceType attaches a source type.
func WithSourceType(ctx context.Context, sourceType string) context.Context {
	return WithFields(ctx, FieldSourceType, sourceType)
}

// FieldsFromContext returns the pairs attached with WithFields, oldest first.
func FieldsFromContext(ctx context.Context) []interface{} {
	fields, _ := ctx.Value(fieldsKey{}).([]interface{})
	return fields
}

// FromContext returns base, or Logger when base is nil, with the fields
// attached to ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	if fields := FieldsFromContext(ctx); len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}

// ComponentLogger returns the global logger named for a component. It is
// the fallback for constructors that were not handed a logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
