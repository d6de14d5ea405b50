package reconcile

import (
	"time"

	"github.com/teranos/erpsync/source"
)

// CheckType names one reconciliation check.
type CheckType string

const (
	CheckRecordCount         CheckType = "record_count"
	CheckFieldValidation     CheckType = "field_validation"
	CheckAmountTotals        CheckType = "amount_totals"
	CheckCrossReference      CheckType = "cross_reference"
	CheckSequenceIntegrity   CheckType = "sequence_integrity"
	CheckDuplicateDetection  CheckType = "duplicate_detection"
	CheckOrphanDetection     CheckType = "orphan_detection"
	CheckTemporalConsistency CheckType = "temporal_consistency"
)

// AllChecks lists every check in the order runs apply them.
var AllChecks = []CheckType{
	CheckRecordCount,
	CheckFieldValidation,
	CheckAmountTotals,
	CheckCrossReference,
	CheckSequenceIntegrity,
	CheckDuplicateDetection,
	CheckOrphanDetection,
	CheckTemporalConsistency,
}

// Valid reports whether c is a known check.
func (c CheckType) Valid() bool {
	for _, known := range AllChecks {
		if c == known {
			return true
		}
	}
	return false
}

// correctable reports whether discrepancies of c may be fixed automatically.
func (c CheckType) correctable() bool {
	return c == CheckFieldValidation || c == CheckTemporalConsistency
}

// Severity grades a discrepancy.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Side names the snapshot a discrepancy was found in.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
	SideBoth        Side = "both"
)

// Correction is a single-field change to a destination record.
type Correction struct {
	RecordID string    `json:"record_id"`
	Field    string    `json:"field"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Discrepancy is one inconsistency found by a check.
type Discrepancy struct {
	ID          string      `json:"id"`
	Check       CheckType   `json:"check"`
	Severity    Severity    `json:"severity"`
	Side        Side        `json:"side"`
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	Field       string      `json:"field,omitempty"`
	Expected    string      `json:"expected,omitempty"`
	Actual      string      `json:"actual,omitempty"`
	Difference  string      `json:"difference,omitempty"`
	Description string      `json:"description"`
	Corrected   bool        `json:"corrected"`
	CorrectedAt *time.Time  `json:"corrected_at,omitempty"`
	Fix         *Correction `json:"fix,omitempty"`
}

// Status is the lifecycle state of a reconciliation run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Summary counts discrepancies.
type Summary struct {
	Total      int               `json:"total"`
	BySeverity map[Severity]int  `json:"by_severity"`
	ByCheck    map[CheckType]int `json:"by_check"`
	ByEntity   map[string]int    `json:"by_entity"`
}

// Metrics describes the compared snapshots.
type Metrics struct {
	SourceRecords      int      `json:"source_records"`
	DestinationRecords int      `json:"destination_records"`
	MatchedRecords     int      `json:"matched_records"`
	SourceDigest       string   `json:"source_digest"`
	DestinationDigest  string   `json:"destination_digest"`
	DivergentGroups    []string `json:"divergent_groups,omitempty"`
	DurationMS         int64    `json:"duration_ms"`
}

// Result reports one reconciliation run. It is immutable once terminal.
type Result struct {
	ID                 string        `json:"id"`
	SourceType         source.Type   `json:"source_type"`
	Status             Status        `json:"status"`
	Checks             []CheckType   `json:"checks"`
	DateFrom           *time.Time    `json:"date_from,omitempty"`
	DateTo             *time.Time    `json:"date_to,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	RecordsChecked     int           `json:"records_checked"`
	Discrepancies      []Discrepancy `json:"discrepancies"`
	CorrectionsApplied int           `json:"corrections_applied"`
	Summary            Summary       `json:"summary"`
	Metrics            Metrics       `json:"metrics"`
	ReportPath         string        `json:"report_path,omitempty"`
	Errors             []string      `json:"errors,omitempty"`
}

// Count returns how many discrepancies a check produced.
func (r *Result) Count(check CheckType) int {
	n := 0
	for i := range r.Discrepancies {
		if r.Discrepancies[i].Check == check {
			n++
		}
	}
	return n
}

func (r *Result) clone() *Result {
	c := *r
	c.Checks = append([]CheckType(nil), r.Checks...)
	c.Errors = append([]string(nil), r.Errors...)
	c.Discrepancies = append([]Discrepancy(nil), r.Discrepancies...)
	c.Metrics.DivergentGroups = append([]string(nil), r.Metrics.DivergentGroups...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func summarize(ds []Discrepancy) Summary {
	s := Summary{
		Total:      len(ds),
		BySeverity: make(map[Severity]int),
		ByCheck:    make(map[CheckType]int),
		ByEntity:   make(map[string]int),
	}
	for i := range ds {
		s.BySeverity[ds[i].Severity]++
		s.ByCheck[ds[i].Check]++
		s.ByEntity[ds[i].EntityType]++
	}
	return s
}
