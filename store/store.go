// Package store is the SQLite destination for extracted invoices.
//
// Records are partitioned by source type and keyed by (source_type, id).
// The store is what the sync service writes to, what the reconciler reads
// and corrects, and what batch jobs feed as their record sink. Counterparties
// referenced by stored invoices are registered on first sight so orphan
// detection has a directory to consult.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const invoiceColumns = `source_type, id, number, issue_date, due_date,
	counterparty_id, counterparty_name, counterparty_tax_id, currency,
	subtotal, tax_amount, total_amount, line_items, status, metadata,
	created_at, updated_at`

const (
	invoiceUpsertQuery = `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, id) DO UPDATE SET
			number = excluded.number,
			issue_date = excluded.issue_date,
			due_date = excluded.due_date,
			counterparty_id = excluded.counterparty_id,
			counterparty_name = excluded.counterparty_name,
			counterparty_tax_id = excluded.counterparty_tax_id,
			currency = excluded.currency,
			subtotal = excluded.subtotal,
			tax_amount = excluded.tax_amount,
			total_amount = excluded.total_amount,
			line_items = excluded.line_items,
			status = excluded.status,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`

	invoiceGetQuery = `
		SELECT ` + invoiceColumns + `
		FROM invoices WHERE source_type = ? AND id = ?`

	invoiceDeleteQuery = `
		DELETE FROM invoices WHERE source_type = ? AND id = ?`

	counterpartyRegisterQuery = `
		INSERT OR IGNORE INTO counterparties (id, name, tax_id, created_at)
		VALUES (?, ?, ?, ?)`
)

// Store persists invoices in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a store over a migrated database.
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = logger.ComponentLogger("store")
	}
	return &Store{
		db:     db,
		logger: logger.WithSymbol(log, sym.DB),
		now:    time.Now,
	}
}

// SetClock replaces the time source used for registration and audit rows.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse stored time %q", s)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullJSON(v interface{}, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Upsert inserts or replaces a record and registers its counterparty.
func (s *Store) Upsert(ctx context.Context, sourceType source.Type, d *invoice.Data) error {
	if d == nil || d.ID == "" {
		return errors.NewInvalidRequestError("invoice without id")
	}

	lineItems, err := nullJSON(d.LineItems, len(d.LineItems) == 0)
	if err != nil {
		return errors.Wrapf(err, "marshal line items of %s", d.ID)
	}
	metadata, err := nullJSON(d.Metadata, len(d.Metadata) == 0)
	if err != nil {
		return errors.Wrapf(err, "marshal metadata of %s", d.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert")
	}
	defer tx.Rollback()

	if d.CounterpartyID != "" {
		if _, err := tx.ExecContext(ctx, counterpartyRegisterQuery,
			d.CounterpartyID, d.CounterpartyName, d.CounterpartyTaxID, formatTime(s.now()),
		); err != nil {
			return errors.Wrapf(err, "register counterparty %s", d.CounterpartyID)
		}
	}

	if _, err := tx.ExecContext(ctx, invoiceUpsertQuery,
		string(sourceType),
		d.ID,
		d.Number,
		formatTime(d.IssueDate),
		nullTime(d.DueDate),
		d.CounterpartyID,
		d.CounterpartyName,
		d.CounterpartyTaxID,
		d.Currency,
		d.Subtotal.String(),
		d.TaxAmount.String(),
		d.TotalAmount.String(),
		lineItems,
		string(d.Status),
		metadata,
		formatTime(d.CreatedAt),
		formatTime(d.UpdatedAt),
	); err != nil {
		return errors.Wrapf(err, "upsert invoice %s", d.ID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit invoice %s", d.ID)
	}
	return nil
}

// Consume stores a record handed over by a batch job.
func (s *Store) Consume(ctx context.Context, sourceType source.Type, d *invoice.Data) error {
	return s.Upsert(ctx, sourceType, d)
}

// Get returns one record, or a not-found error.
func (s *Store) Get(ctx context.Context, sourceType source.Type, id string) (*invoice.Data, error) {
	row := s.db.QueryRowContext(ctx, invoiceGetQuery, string(sourceType), id)
	d, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("invoice %s/%s", sourceType, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get invoice %s", id)
	}
	return d, nil
}

// Delete removes one record, or returns a not-found error.
func (s *Store) Delete(ctx context.Context, sourceType source.Type, id string) error {
	res, err := s.db.ExecContext(ctx, invoiceDeleteQuery, string(sourceType), id)
	if err != nil {
		return errors.Wrapf(err, "delete invoice %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("invoice %s/%s", sourceType, id)
	}
	return nil
}

// Query returns the records of sourceType matching filter, ordered and paged
// the same way adapters page their extractions.
func (s *Store) Query(ctx context.Context, sourceType source.Type, filter invoice.Filter) ([]invoice.Data, error) {
	records, err := s.prefilter(ctx, sourceType, filter)
	if err != nil {
		return nil, err
	}
	return filter.Apply(records), nil
}

// Count returns how many records of sourceType match filter, ignoring paging.
func (s *Store) Count(ctx context.Context, sourceType source.Type, filter invoice.Filter) (int, error) {
	records, err := s.prefilter(ctx, sourceType, filter)
	if err != nil {
		return 0, err
	}
	return filter.CountMatches(records), nil
}

// prefilter narrows by the indexed columns in SQL. Status and record type
// rules are left to the filter itself.
func (s *Store) prefilter(ctx context.Context, sourceType source.Type, filter invoice.Filter) ([]invoice.Data, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	where := []string{"source_type = ?"}
	args := []interface{}{string(sourceType)}
	if filter.DateFrom != nil {
		where = append(where, "issue_date >= ?")
		args = append(args, formatTime(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		where = append(where, "issue_date <= ?")
		args = append(args, formatTime(*filter.DateTo))
	}
	if filter.UpdatedSince != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, formatTime(*filter.UpdatedSince))
	}
	if len(filter.EntityIDs) > 0 {
		where = append(where, "counterparty_id IN ("+placeholders(len(filter.EntityIDs))+")")
		for _, id := range filter.EntityIDs {
			args = append(args, id)
		}
	}

	query := "SELECT " + invoiceColumns + " FROM invoices WHERE " + strings.Join(where, " AND ")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query invoices")
	}
	defer rows.Close()

	var out []invoice.Data
	for rows.Next() {
		d, err := scanInvoice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invoice")
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate invoices")
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*invoice.Data, error) {
	var (
		d                                invoice.Data
		sourceType                       string
		issueDate, createdAt, updatedAt  string
		dueDate, lineItems, metadata     sql.NullString
		subtotal, taxAmount, totalAmount string
		status                           string
	)
	if err := row.Scan(
		&sourceType,
		&d.ID,
		&d.Number,
		&issueDate,
		&dueDate,
		&d.CounterpartyID,
		&d.CounterpartyName,
		&d.CounterpartyTaxID,
		&d.Currency,
		&subtotal,
		&taxAmount,
		&totalAmount,
		&lineItems,
		&status,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = invoice.Status(status)

	var err error
	if d.IssueDate, err = parseTime(issueDate); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if dueDate.Valid {
		due, err := parseTime(dueDate.String)
		if err != nil {
			return nil, err
		}
		d.DueDate = &due
	}

	for _, a := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&d.Subtotal, subtotal},
		{&d.TaxAmount, taxAmount},
		{&d.TotalAmount, totalAmount},
	} {
		v, err := decimal.NewFromString(a.raw)
		if err != nil {
			return nil, errors.Wrapf(err, "parse stored amount %q", a.raw)
		}
		*a.dst = v
	}

	if lineItems.Valid {
		if err := json.Unmarshal([]byte(lineItems.String), &d.LineItems); err != nil {
			return nil, errors.Wrap(err, "unmarshal line items")
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &d.Metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshal metadata")
		}
	}
	return &d, nil
}
