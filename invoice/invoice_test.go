package invoice

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
)

func sample(id, number string, issued time.Time) Data {
	return Data{
		ID:             id,
		Number:         number,
		IssueDate:      issued,
		CounterpartyID: "cp-1",
		Currency:       "EUR",
		Subtotal:       decimal.RequireFromString("100.00"),
		TaxAmount:      decimal.RequireFromString("21.00"),
		TotalAmount:    decimal.RequireFromString("121.00"),
		Status:         StatusIssued,
		UpdatedAt:      issued,
	}
}

func TestValidate(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ok := sample("inv-1", "INV-0001", day)
	require.NoError(t, ok.Validate())

	bad := sample("inv-2", "", day)
	bad.Currency = "eu"
	bad.Status = "bogus"
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "number: required")
	assert.Contains(t, err.Error(), "currency: len")
	assert.Contains(t, err.Error(), "status: invoice_status")

	var nilData *Data
	assert.Error(t, nilData.Validate())
}

func TestExpectedTotalAndRecordType(t *testing.T) {
	d := sample("inv-1", "INV-0001", time.Now())
	assert.True(t, d.ExpectedTotal().Equal(d.TotalAmount))
	assert.Equal(t, DefaultRecordType, d.RecordType())

	d.Metadata = map[string]string{RecordTypeKey: "credit_note"}
	assert.Equal(t, "credit_note", d.RecordType())
}

func TestCloneIsDeep(t *testing.T) {
	due := time.Now()
	d := sample("inv-1", "INV-0001", time.Now())
	d.DueDate = &due
	d.Metadata = map[string]string{"k": "v"}
	d.LineItems = []LineItem{{Description: "widget"}}

	c := d.Clone()
	c.Metadata["k"] = "changed"
	c.LineItems[0].Description = "gadget"
	*c.DueDate = due.Add(time.Hour)

	assert.Equal(t, "v", d.Metadata["k"])
	assert.Equal(t, "widget", d.LineItems[0].Description)
	assert.True(t, d.DueDate.Equal(due))
}

func TestFilterValidate(t *testing.T) {
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, Filter{}.Validate())
	assert.Error(t, Filter{PageSize: -1}.Validate())
	assert.Error(t, Filter{Offset: -5}.Validate())
	assert.Error(t, Filter{DateFrom: &from, DateTo: &to}.Validate())
}

func TestFilterMatches(t *testing.T) {
	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)

	issued := sample("a", "INV-1", jan)
	draft := sample("b", "INV-2", jan)
	draft.Status = StatusDraft
	cancelled := sample("c", "INV-3", feb)
	cancelled.Status = StatusCancelled

	tests := []struct {
		name   string
		filter Filter
		rec    Data
		want   bool
	}{
		{"empty filter matches issued", Filter{}, issued, true},
		{"draft excluded by default", Filter{}, draft, false},
		{"draft included by flag", Filter{IncludeDraft: true}, draft, true},
		{"cancelled included by status list", Filter{Statuses: []Status{StatusCancelled}}, cancelled, true},
		{"status list excludes others", Filter{Statuses: []Status{StatusPaid}}, issued, false},
		{"date_from excludes earlier", Filter{DateFrom: &feb}, issued, false},
		{"updated_since excludes stale", Filter{UpdatedSince: &feb}, issued, false},
		{"entity filter", Filter{EntityIDs: []string{"cp-2"}}, issued, false},
		{"record type filter", Filter{RecordTypes: []string{"invoice"}}, issued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(&tt.rec))
		})
	}
}

func TestFilterApplyPaginates(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var records []Data
	for i := 4; i >= 0; i-- {
		records = append(records, sample(string(rune('a'+i)), "INV", base.AddDate(0, 0, i)))
	}

	f := Filter{}
	assert.Equal(t, 5, f.CountMatches(records))

	page := f.WithPage(0, 2).Apply(records)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	last := f.WithPage(4, 2).Apply(records)
	require.Len(t, last, 1)
	assert.Equal(t, "e", last[0].ID)

	assert.Empty(t, f.WithPage(10, 2).Apply(records))
}

func TestWithPageCopiesSlices(t *testing.T) {
	f := Filter{EntityIDs: []string{"cp-1"}}
	p := f.WithPage(10, 5)
	p.EntityIDs[0] = "cp-9"

	assert.Equal(t, "cp-1", f.EntityIDs[0])
	assert.Equal(t, 10, p.Offset)
	assert.Equal(t, 5, p.PageSize)
	assert.Equal(t, 0, f.Offset)
}
