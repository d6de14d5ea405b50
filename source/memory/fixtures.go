package memory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/erpsync/invoice"
)

// Generate builds n consistent issued invoices numbered <prefix>-000001
// onward, one per day from start, spread over three counterparties.
func Generate(prefix string, n int, start time.Time) []invoice.Data {
	out := make([]invoice.Data, 0, n)
	for i := 1; i <= n; i++ {
		issued := start.AddDate(0, 0, i-1)
		due := issued.AddDate(0, 0, 30)
		subtotal := decimal.NewFromInt(int64(100 * i))
		tax := subtotal.Mul(decimal.RequireFromString("0.21")).Round(2)
		cp := fmt.Sprintf("cp-%d", i%3+1)

		out = append(out, invoice.Data{
			ID:               fmt.Sprintf("%s-id-%06d", prefix, i),
			Number:           fmt.Sprintf("%s-%06d", prefix, i),
			IssueDate:        issued,
			DueDate:          &due,
			CounterpartyID:   cp,
			CounterpartyName: "Counterparty " + cp,
			Currency:         "EUR",
			Subtotal:         subtotal,
			TaxAmount:        tax,
			TotalAmount:      subtotal.Add(tax),
			LineItems: []invoice.LineItem{{
				Description: "Services",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   subtotal,
				TaxRate:     decimal.RequireFromString("0.21"),
				Amount:      subtotal,
			}},
			Status:    invoice.StatusIssued,
			CreatedAt: issued,
			UpdatedAt: issued,
		})
	}
	return out
}
