// Package invoice defines the canonical record every source adapter
// produces and every downstream component consumes.
package invoice

import (
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/teranos/erpsync/errors"
)

// Status is the lifecycle state of an invoice in its source system.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusIssued        Status = "issued"
	StatusSent          Status = "sent"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusOverdue       Status = "overdue"
	StatusCancelled     Status = "cancelled"
	StatusVoid          Status = "void"
)

// Statuses lists every known status.
var Statuses = []Status{
	StatusDraft, StatusIssued, StatusSent, StatusPartiallyPaid,
	StatusPaid, StatusOverdue, StatusCancelled, StatusVoid,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// RecordTypeKey is the metadata key carrying the source record type
// (invoice, credit_note, ...). Records without it are plain invoices.
const RecordTypeKey = "record_type"

// DefaultRecordType is assumed when a record carries no record type.
const DefaultRecordType = "invoice"

// LineItem is one billed position on an invoice.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// Data is the normalized invoice record.
// TotalAmount is expected to equal Subtotal + TaxAmount; this is checked by
// reconciliation, not enforced here.
type Data struct {
	ID                string            `json:"id" validate:"required"`
	Number            string            `json:"number" validate:"required"`
	IssueDate         time.Time         `json:"issue_date" validate:"required"`
	DueDate           *time.Time        `json:"due_date,omitempty"`
	CounterpartyID    string            `json:"counterparty_id"`
	CounterpartyName  string            `json:"counterparty_name"`
	CounterpartyTaxID string            `json:"counterparty_tax_id,omitempty"`
	Currency          string            `json:"currency" validate:"required,len=3,uppercase"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	TaxAmount         decimal.Decimal   `json:"tax_amount"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	LineItems         []LineItem        `json:"line_items,omitempty"`
	Status            Status            `json:"status" validate:"required,invoice_status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
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
	_ = v.RegisterValidation("invoice_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks the structural fields every destination relies on.
// The returned error lists each failing field with the rule it broke.
func (d *Data) Validate() error {
	if d == nil {
		return errors.NewInvalidRequestError("invoice is nil")
	}
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "invoice validation")
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+": "+fe.Tag())
	}
	return errors.NewInvalidRequestError("invoice %s: %s", d.ID, strings.Join(parts, ", "))
}

// RecordType returns the source record type, defaulting to "invoice".
func (d *Data) RecordType() string {
	if t := d.Metadata[RecordTypeKey]; t != "" {
		return t
	}
	return DefaultRecordType
}

// ExpectedTotal returns Subtotal + TaxAmount.
func (d *Data) ExpectedTotal() decimal.Decimal {
	return d.Subtotal.Add(d.TaxAmount)
}

// Clone returns a deep copy of d.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	c := *d
	if d.DueDate != nil {
		due := *d.DueDate
		c.DueDate = &due
	}
	if d.LineItems != nil {
		c.LineItems = append([]LineItem(nil), d.LineItems...)
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Sort orders records by issue date, then number, then id. Adapters that
// paginate in memory use it so offsets are stable across calls.
func Sort(records []Data) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.Before(b.IssueDate)
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.ID < b.ID
	})
}
