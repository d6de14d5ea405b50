package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/reconcile"
	"github.com/teranos/erpsync/source/memory"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zap.NewNop().Sugar()), mock
}

func TestUpsert_Sqlmock(t *testing.T) {
	s, mock := newMockStore(t)
	d := memory.Generate("inv", 1, t0)[0]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT OR IGNORE INTO counterparties`).
		WithArgs(d.CounterpartyID, d.CounterpartyName, d.CounterpartyTaxID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO invoices`).
		WithArgs(
			"erp", d.ID, d.Number,
			"2025-04-01T08:30:00.000000000Z",
			sqlmock.AnyArg(), // due_date
			d.CounterpartyID, d.CounterpartyName, d.CounterpartyTaxID, "EUR",
			"100", "21", "121",
			sqlmock.AnyArg(), // line_items
			"issued",
			sql.NullString{},
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), erp, &d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_SqlmockRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	d := memory.Generate("inv", 1, t0)[0]

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT OR IGNORE INTO counterparties`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO invoices`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Upsert(context.Background(), erp, &d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert invoice inv-id-000001")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_SqlmockError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM invoices WHERE source_type = \? AND id = \?`).
		WithArgs("erp", "inv-1").
		WillReturnError(errors.New("database is locked"))

	_, err := s.Get(context.Background(), erp, "inv-1")
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_SqlmockBadAmount(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"source_type", "id", "number", "issue_date", "due_date",
		"counterparty_id", "counterparty_name", "counterparty_tax_id", "currency",
		"subtotal", "tax_amount", "total_amount", "line_items", "status", "metadata",
		"created_at", "updated_at",
	}).AddRow(
		"erp", "inv-1", "INV-1", "2025-04-01T08:30:00.000000000Z", nil,
		"cp-1", "", "", "EUR",
		"100", "21", "one hundred twenty-one", nil, "issued", nil,
		"2025-04-01T08:30:00.000000000Z", "2025-04-01T08:30:00.000000000Z",
	)
	mock.ExpectQuery(`SELECT .* FROM invoices WHERE source_type = \? AND counterparty_id IN \(\?, \?\)`).
		WithArgs("erp", "cp-1", "cp-2").
		WillReturnRows(rows)

	_, err := s.Query(context.Background(), erp, invoice.Filter{EntityIDs: []string{"cp-1", "cp-2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse stored amount")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCorrection_SqlmockAuditFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM invoices`).
		WithArgs("erp", "inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("issued"))
	mock.ExpectExec(`UPDATE invoices SET status = \?`).
		WithArgs(sqlmock.AnyArg(), "erp", "inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO invoice_corrections`).WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := s.ApplyCorrection(context.Background(), erp, reconcile.Correction{RecordID: "inv-1", Field: "status", NewValue: "paid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit correction")
	assert.NoError(t, mock.ExpectationsWereMet())
}
