package sync

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source/memory"
)

func sampleInvoice() invoice.Data {
	return invoice.Data{
		ID:             "inv-1",
		Number:         "2025-0001",
		IssueDate:      time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		CounterpartyID: "cp-1",
		Currency:       "EUR",
		Subtotal:       decimal.RequireFromString("100.00"),
		TaxAmount:      decimal.RequireFromString("21.00"),
		TotalAmount:    decimal.RequireFromString("121.00"),
		Status:         invoice.StatusIssued,
		UpdatedAt:      time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	d := sampleInvoice()
	assert.Equal(t, ContentHash(&d), ContentHash(&d))

	clone := d.Clone()
	assert.Equal(t, ContentHash(&d), ContentHash(clone))
}

func TestContentHash_SignificantFields(t *testing.T) {
	base := sampleInvoice()
	baseHash := ContentHash(&base)

	tests := []struct {
		name   string
		modify func(*invoice.Data)
	}{
		{"number", func(d *invoice.Data) { d.Number = "2025-0002" }},
		{"total", func(d *invoice.Data) { d.TotalAmount = decimal.RequireFromString("121.01") }},
		{"status", func(d *invoice.Data) { d.Status = invoice.StatusPaid }},
		{"updated at", func(d *invoice.Data) { d.UpdatedAt = d.UpdatedAt.Add(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleInvoice()
			tt.modify(&d)
			assert.NotEqual(t, baseHash, ContentHash(&d))
		})
	}
}

func TestContentHash_IgnoresInsignificantFields(t *testing.T) {
	base := sampleInvoice()
	d := sampleInvoice()
	d.CounterpartyName = "Renamed Ltd"
	d.Metadata = map[string]string{"note": "x"}
	d.LineItems = []invoice.LineItem{{Description: "widget"}}
	d.TotalAmount = decimal.RequireFromString("121.000")

	assert.Equal(t, ContentHash(&base), ContentHash(&d))
}

func TestLeafHash_BindsID(t *testing.T) {
	d := sampleInvoice()
	ch := ContentHash(&d)
	assert.NotEqual(t, LeafHash("inv-1", ch), LeafHash("inv-2", ch))
	assert.Equal(t, LeafHash("inv-1", ch), LeafHash("inv-1", ch))
}

func TestKeyFor(t *testing.T) {
	d := sampleInvoice()
	assert.Equal(t, GroupKey{Entity: "cp-1", Period: "2025-06"}, KeyFor(&d))

	d.IssueDate = time.Time{}
	assert.Equal(t, GroupKey{Entity: "cp-1"}, KeyFor(&d))
}

func TestBuildTree(t *testing.T) {
	records := memory.Generate("acme", 10, time.Date(2025, 1, 25, 0, 0, 0, 0, time.UTC))
	tree := BuildTree(records)
	assert.Equal(t, 10, tree.Size())

	reversed := make([]invoice.Data, len(records))
	for i := range records {
		reversed[len(records)-1-i] = records[i]
	}
	assert.Equal(t, tree.Root(), BuildTree(reversed).Root())

	records[3].Status = invoice.StatusPaid
	assert.NotEqual(t, tree.Root(), BuildTree(records).Root())
}
