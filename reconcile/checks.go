package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/teranos/erpsync/invoice"
)

const (
	entityInvoice  = "invoice"
	entitySnapshot = "snapshot"
	entitySequence = "sequence"
)

// snapshot indexes one side's records. byID keeps the first occurrence of
// each id; counts exposes duplicates.
type snapshot struct {
	side    Side
	records []invoice.Data
	byID    map[string]*invoice.Data
	counts  map[string]int
}

func newSnapshot(side Side, records []invoice.Data) *snapshot {
	s := &snapshot{
		side:    side,
		records: records,
		byID:    make(map[string]*invoice.Data, len(records)),
		counts:  make(map[string]int, len(records)),
	}
	for i := range records {
		id := records[i].ID
		s.counts[id]++
		if _, seen := s.byID[id]; !seen {
			s.byID[id] = &records[i]
		}
	}
	return s
}

// ids returns the distinct ids in lexical order.
func (s *snapshot) ids() []string {
	out := make([]string, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// checkContext is the input every check reads.
type checkContext struct {
	src       *snapshot
	dst       *snapshot
	tolerance Tolerance
	directory CounterpartyDirectory
}

// matched returns ids present on both sides in lexical order.
func (cc *checkContext) matched() []string {
	var out []string
	for _, id := range cc.src.ids() {
		if _, ok := cc.dst.byID[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

type checkFunc func(ctx context.Context, cc *checkContext) ([]Discrepancy, error)

var checkFuncs = map[CheckType]checkFunc{
	CheckRecordCount:         checkRecordCount,
	CheckFieldValidation:     checkFieldValidation,
	CheckAmountTotals:        checkAmountTotals,
	CheckCrossReference:      checkCrossReference,
	CheckSequenceIntegrity:   checkSequenceIntegrity,
	CheckDuplicateDetection:  checkDuplicates,
	CheckOrphanDetection:     checkOrphans,
	CheckTemporalConsistency: checkTemporal,
}

func discrepancy(check CheckType, sev Severity, side Side, entityType, entityID string) Discrepancy {
	return Discrepancy{
		ID:         uuid.NewString(),
		Check:      check,
		Severity:   sev,
		Side:       side,
		EntityType: entityType,
		EntityID:   entityID,
	}
}

func checkRecordCount(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	want, got := len(cc.src.records), len(cc.dst.records)
	if want == got {
		return nil, nil
	}
	d := discrepancy(CheckRecordCount, SeverityError, SideBoth, entitySnapshot, "records")
	d.Expected = strconv.Itoa(want)
	d.Actual = strconv.Itoa(got)
	d.Difference = strconv.Itoa(got - want)
	d.Description = fmt.Sprintf("source has %d records, destination has %d", want, got)
	return []Discrepancy{d}, nil
}

// criticalFields are compared one to one between matched records.
var criticalFields = []struct {
	name string
	get  func(*invoice.Data) string
}{
	{"number", func(d *invoice.Data) string { return d.Number }},
	{"counterparty_id", func(d *invoice.Data) string { return d.CounterpartyID }},
	{"currency", func(d *invoice.Data) string { return d.Currency }},
	{"status", func(d *invoice.Data) string { return string(d.Status) }},
}

func checkFieldValidation(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, id := range cc.matched() {
		src, dst := cc.src.byID[id], cc.dst.byID[id]
		for _, f := range criticalFields {
			want, got := f.get(src), f.get(dst)
			if want == got {
				continue
			}
			d := discrepancy(CheckFieldValidation, SeverityWarning, SideDestination, entityInvoice, id)
			d.Field = f.name
			d.Expected = want
			d.Actual = got
			d.Description = fmt.Sprintf("%s differs: source %q, destination %q", f.name, want, got)
			d.Fix = &Correction{
				RecordID: id,
				Field:    f.name,
				OldValue: got,
				NewValue: want,
				Reason:   "field_validation: align with source",
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// fieldTotalConsistency tags the internal total == subtotal + tax warning,
// keeping total_amount for the cross-side comparison.
const fieldTotalConsistency = "total_consistency"

var amountFields = []struct {
	name string
	get  func(*invoice.Data) decimal.Decimal
}{
	{"subtotal", func(d *invoice.Data) decimal.Decimal { return d.Subtotal }},
	{"tax_amount", func(d *invoice.Data) decimal.Decimal { return d.TaxAmount }},
	{"total_amount", func(d *invoice.Data) decimal.Decimal { return d.TotalAmount }},
}

// checkAmountTotals compares amounts of matched records within the
// tolerance, then checks every source record for total == subtotal + tax.
func checkAmountTotals(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, id := range cc.matched() {
		src, dst := cc.src.byID[id], cc.dst.byID[id]
		for _, f := range amountFields {
			want, got := f.get(src), f.get(dst)
			if cc.tolerance.Within(want, got) {
				continue
			}
			d := discrepancy(CheckAmountTotals, SeverityError, SideDestination, entityInvoice, id)
			d.Field = f.name
			d.Expected = want.String()
			d.Actual = got.String()
			d.Difference = got.Sub(want).String()
			d.Description = fmt.Sprintf("%s differs by %s (allowed %s)",
				f.name, got.Sub(want).Abs().String(), cc.tolerance.Allowed(want, got).String())
			out = append(out, d)
		}
	}

	for _, id := range cc.src.ids() {
		r := cc.src.byID[id]
		expected := r.ExpectedTotal()
		if cc.tolerance.Within(expected, r.TotalAmount) {
			continue
		}
		d := discrepancy(CheckAmountTotals, SeverityWarning, SideSource, entityInvoice, id)
		d.Field = fieldTotalConsistency
		d.Expected = expected.String()
		d.Actual = r.TotalAmount.String()
		d.Difference = r.TotalAmount.Sub(expected).String()
		d.Description = "total does not equal subtotal plus tax"
		out = append(out, d)
	}
	return out, nil
}

func checkCrossReference(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, id := range cc.src.ids() {
		if _, ok := cc.dst.byID[id]; ok {
			continue
		}
		d := discrepancy(CheckCrossReference, SeverityError, SideDestination, entityInvoice, id)
		d.Expected = "present"
		d.Actual = "missing"
		d.Description = "record missing in destination"
		out = append(out, d)
	}
	for _, id := range cc.dst.ids() {
		if _, ok := cc.src.byID[id]; ok {
			continue
		}
		d := discrepancy(CheckCrossReference, SeverityWarning, SideDestination, entityInvoice, id)
		d.Expected = "absent"
		d.Actual = "present"
		d.Description = "record in destination not found at source"
		out = append(out, d)
	}
	return out, nil
}

var trailingDigits = regexp.MustCompile(`^(.*?)(\d+)$`)

// checkSequenceIntegrity finds gaps in numeric invoice sequences of the
// source snapshot. Numbers are grouped by their non-numeric prefix.
func checkSequenceIntegrity(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	sequences := make(map[string]map[int64]bool)
	for i := range cc.src.records {
		m := trailingDigits.FindStringSubmatch(cc.src.records[i].Number)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		if sequences[m[1]] == nil {
			sequences[m[1]] = make(map[int64]bool)
		}
		sequences[m[1]][n] = true
	}

	prefixes := make([]string, 0, len(sequences))
	for p := range sequences {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var out []Discrepancy
	for _, prefix := range prefixes {
		nums := make([]int64, 0, len(sequences[prefix]))
		for n := range sequences[prefix] {
			nums = append(nums, n)
		}
		if len(nums) < 2 {
			continue
		}
		sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

		for i := 1; i < len(nums); i++ {
			prev, next := nums[i-1], nums[i]
			if next == prev+1 {
				continue
			}
			from, to := prev+1, next-1
			d := discrepancy(CheckSequenceIntegrity, SeverityWarning, SideSource, entitySequence, prefix)
			d.Field = "number"
			d.Expected = fmt.Sprintf("%d-%d", from, to)
			d.Actual = "missing"
			d.Difference = strconv.FormatInt(to-from+1, 10)
			if from == to {
				d.Description = fmt.Sprintf("sequence %q is missing number %d", prefix, from)
			} else {
				d.Description = fmt.Sprintf("sequence %q is missing numbers %d to %d", prefix, from, to)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func checkDuplicates(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, snap := range []*snapshot{cc.src, cc.dst} {
		for _, id := range snap.ids() {
			n := snap.counts[id]
			if n < 2 {
				continue
			}
			d := discrepancy(CheckDuplicateDetection, SeverityError, snap.side, entityInvoice, id)
			d.Expected = "1"
			d.Actual = strconv.Itoa(n)
			d.Difference = strconv.Itoa(n - 1)
			d.Description = fmt.Sprintf("id appears %d times in %s snapshot", n, snap.side)
			out = append(out, d)
		}
	}
	return out, nil
}

// checkOrphans flags records whose counterparty is empty or unknown to the
// counterparty directory. Without a directory only empty references count.
func checkOrphans(ctx context.Context, cc *checkContext) ([]Discrepancy, error) {
	known := map[string]bool{}
	if cc.directory != nil {
		var ids []string
		seen := map[string]bool{}
		for _, snap := range []*snapshot{cc.src, cc.dst} {
			for _, r := range snap.byID {
				if r.CounterpartyID != "" && !seen[r.CounterpartyID] {
					seen[r.CounterpartyID] = true
					ids = append(ids, r.CounterpartyID)
				}
			}
		}
		sort.Strings(ids)
		found, err := cc.directory.CounterpartiesExist(ctx, ids)
		if err != nil {
			return nil, err
		}
		known = found
	}

	var out []Discrepancy
	for _, snap := range []*snapshot{cc.src, cc.dst} {
		for _, id := range snap.ids() {
			r := snap.byID[id]
			if r.CounterpartyID != "" && (cc.directory == nil || known[r.CounterpartyID]) {
				continue
			}
			d := discrepancy(CheckOrphanDetection, SeverityWarning, snap.side, entityInvoice, id)
			d.Field = "counterparty_id"
			d.Actual = r.CounterpartyID
			if r.CounterpartyID == "" {
				d.Description = "record has no counterparty"
			} else {
				d.Description = fmt.Sprintf("counterparty %s does not exist", r.CounterpartyID)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// checkTemporal flags invoices issued after they are due and records created
// after their issue date. A destination record whose matching source record
// is consistent carries a fix restoring the source value.
func checkTemporal(_ context.Context, cc *checkContext) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, snap := range []*snapshot{cc.src, cc.dst} {
		for _, id := range snap.ids() {
			r := snap.byID[id]
			var counterpart *invoice.Data
			if snap.side == SideDestination {
				counterpart = cc.src.byID[id]
			}

			if r.DueDate != nil && day(r.IssueDate).After(day(*r.DueDate)) {
				d := discrepancy(CheckTemporalConsistency, SeverityWarning, snap.side, entityInvoice, id)
				d.Field = "due_date"
				d.Expected = "on or after " + r.IssueDate.UTC().Format("2006-01-02")
				d.Actual = r.DueDate.UTC().Format("2006-01-02")
				d.Description = "issue date is after due date"
				if counterpart != nil && (counterpart.DueDate == nil || !day(counterpart.IssueDate).After(day(*counterpart.DueDate))) {
					d.Fix = &Correction{
						RecordID: id,
						Field:    "due_date",
						OldValue: formatTime(r.DueDate),
						NewValue: formatTime(counterpart.DueDate),
						Reason:   "temporal_consistency: restore source due date",
					}
				}
				out = append(out, d)
			}

			if !r.CreatedAt.IsZero() && day(r.CreatedAt).After(day(r.IssueDate)) {
				d := discrepancy(CheckTemporalConsistency, SeverityWarning, snap.side, entityInvoice, id)
				d.Field = "created_at"
				d.Expected = "on or before " + r.IssueDate.UTC().Format("2006-01-02")
				d.Actual = r.CreatedAt.UTC().Format("2006-01-02")
				d.Description = "record created after its issue date"
				if counterpart != nil && !counterpart.CreatedAt.IsZero() && !day(counterpart.CreatedAt).After(day(counterpart.IssueDate)) {
					d.Fix = &Correction{
						RecordID: id,
						Field:    "created_at",
						OldValue: formatTime(&r.CreatedAt),
						NewValue: formatTime(&counterpart.CreatedAt),
						Reason:   "temporal_consistency: restore source creation time",
					}
				}
				out = append(out, d)
			}
		}
	}
	return out, nil
}
