package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/reconcile"
	"github.com/teranos/erpsync/source"
)

const (
	correctionInsertQuery = `
		INSERT INTO invoice_corrections (id, source_type, invoice_id, field, old_value, new_value, reason, corrected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	correctionListQuery = `
		SELECT invoice_id, field, old_value, new_value, reason, corrected_at
		FROM invoice_corrections
		WHERE source_type = ? AND invoice_id = ?
		ORDER BY corrected_at, id`
)

// correctable maps a correction field to its column. Time columns take
// RFC3339 values and are stored in the fixed-width layout.
var correctable = map[string]struct {
	column   string
	isTime   bool
	nullable bool
}{
	"number":          {column: "number"},
	"status":          {column: "status"},
	"currency":        {column: "currency"},
	"counterparty_id": {column: "counterparty_id"},
	"due_date":        {column: "due_date", isTime: true, nullable: true},
	"created_at":      {column: "created_at", isTime: true},
}

func encodeValue(value string, isTime, nullable bool) (sql.NullString, error) {
	if !isTime {
		return sql.NullString{String: value, Valid: true}, nil
	}
	if value == "" {
		if !nullable {
			return sql.NullString{}, errors.NewInvalidRequestError("value must not be empty")
		}
		return sql.NullString{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return sql.NullString{}, errors.Wrapf(errors.ErrInvalidRequest, "invalid time %q", value)
	}
	return sql.NullString{String: formatTime(t), Valid: true}, nil
}

func decodeValue(raw sql.NullString, isTime bool) string {
	if !raw.Valid {
		return ""
	}
	if !isTime {
		return raw.String
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return raw.String
	}
	return t.Format(time.RFC3339Nano)
}

// ApplyCorrection overwrites one field of a stored record and writes an
// audit row with the value it replaced. The record's updated_at is kept so
// the correction does not read as a destination edit during sync.
func (s *Store) ApplyCorrection(ctx context.Context, sourceType source.Type, c reconcile.Correction) error {
	field, ok := correctable[c.Field]
	if !ok {
		return errors.NewInvalidRequestError("field %q is not correctable", c.Field)
	}
	value, err := encodeValue(c.NewValue, field.isTime, field.nullable)
	if err != nil {
		return errors.Wrapf(err, "correct %s", c.Field)
	}
	at := c.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin correction")
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT "+field.column+" FROM invoices WHERE source_type = ? AND id = ?",
		string(sourceType), c.RecordID,
	).Scan(&old)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("invoice %s/%s", sourceType, c.RecordID)
	}
	if err != nil {
		return errors.Wrapf(err, "read %s of %s", c.Field, c.RecordID)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE invoices SET "+field.column+" = ? WHERE source_type = ? AND id = ?",
		value, string(sourceType), c.RecordID,
	); err != nil {
		return errors.Wrapf(err, "update %s of %s", c.Field, c.RecordID)
	}

	if _, err := tx.ExecContext(ctx, correctionInsertQuery,
		uuid.NewString(),
		string(sourceType),
		c.RecordID,
		c.Field,
		decodeValue(old, field.isTime),
		c.NewValue,
		c.Reason,
		formatTime(at),
	); err != nil {
		return errors.Wrapf(err, "audit correction of %s", c.RecordID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit correction")
	}

	s.logger.Infow("Correction applied",
		logger.FieldSourceType, string(sourceType),
		logger.FieldRecordID, c.RecordID,
		"field", c.Field,
	)
	return nil
}

// Corrections returns the audit trail of one record, oldest first.
func (s *Store) Corrections(ctx context.Context, sourceType source.Type, id string) ([]reconcile.Correction, error) {
	rows, err := s.db.QueryContext(ctx, correctionListQuery, string(sourceType), id)
	if err != nil {
		return nil, errors.Wrap(err, "query corrections")
	}
	defer rows.Close()

	var out []reconcile.Correction
	for rows.Next() {
		var (
			c        reconcile.Correction
			old, val sql.NullString
			at       string
		)
		if err := rows.Scan(&c.RecordID, &c.Field, &old, &val, &c.Reason, &at); err != nil {
			return nil, errors.Wrap(err, "scan correction")
		}
		c.OldValue, c.NewValue = old.String, val.String
		if c.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate corrections")
	}
	return out, nil
}
