package invoice

import (
	"time"

	"github.com/teranos/erpsync/errors"
)

// Filter narrows an extraction. Filters are treated as immutable once passed
// to an adapter; WithPage derives the per-page copies pagination needs.
type Filter struct {
	DateFrom         *time.Time `json:"date_from,omitempty"`
	DateTo           *time.Time `json:"date_to,omitempty"`
	UpdatedSince     *time.Time `json:"updated_since,omitempty"`
	EntityIDs        []string   `json:"entity_ids,omitempty"`
	Statuses         []Status   `json:"statuses,omitempty"`
	RecordTypes      []string   `json:"record_types,omitempty"`
	PageSize         int        `json:"page_size,omitempty"`
	Offset           int        `json:"offset,omitempty"`
	IncludeDraft     bool       `json:"include_draft,omitempty"`
	IncludeCancelled bool       `json:"include_cancelled,omitempty"`
}

// Validate rejects negative paging values and inverted date ranges.
func (f Filter) Validate() error {
	if f.PageSize < 0 {
		return errors.NewInvalidRequestError("page size must not be negative, got %d", f.PageSize)
	}
	if f.Offset < 0 {
		return errors.NewInvalidRequestError("offset must not be negative, got %d", f.Offset)
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return errors.NewInvalidRequestError("date_from %s is after date_to %s",
			f.DateFrom.Format(time.RFC3339), f.DateTo.Format(time.RFC3339))
	}
	return nil
}

// WithPage returns a copy of f addressing one page.
func (f Filter) WithPage(offset, size int) Filter {
	c := f
	c.Offset = offset
	c.PageSize = size
	c.EntityIDs = append([]string(nil), f.EntityIDs...)
	c.Statuses = append([]Status(nil), f.Statuses...)
	c.RecordTypes = append([]string(nil), f.RecordTypes...)
	return c
}

// WithUpdatedSince returns a copy of f restricted to records updated at or
// after since.
func (f Filter) WithUpdatedSince(since time.Time) Filter {
	c := f.WithPage(f.Offset, f.PageSize)
	s := since
	c.UpdatedSince = &s
	return c
}

// Matches applies the non-paging criteria of f to a single record.
// Draft and cancelled records are excluded unless included explicitly,
// either through the Include flags or by listing the status.
func (f Filter) Matches(d *Data) bool {
	if d == nil {
		return false
	}
	if f.DateFrom != nil && d.IssueDate.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && d.IssueDate.After(*f.DateTo) {
		return false
	}
	if f.UpdatedSince != nil && d.UpdatedAt.Before(*f.UpdatedSince) {
		return false
	}
	if len(f.EntityIDs) > 0 && !contains(f.EntityIDs, d.CounterpartyID) {
		return false
	}
	if len(f.RecordTypes) > 0 && !contains(f.RecordTypes, d.RecordType()) {
		return false
	}

	listed := false
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if s == d.Status {
				listed = true
				break
			}
		}
		if !listed {
			return false
		}
	}
	switch d.Status {
	case StatusDraft:
		return f.IncludeDraft || listed
	case StatusCancelled, StatusVoid:
		return f.IncludeCancelled || listed
	}
	return true
}

// Apply filters records, orders them with Sort and cuts the page f
// addresses. A zero PageSize returns everything from Offset on.
func (f Filter) Apply(records []Data) []Data {
	matched := make([]Data, 0, len(records))
	for i := range records {
		if f.Matches(&records[i]) {
			matched = append(matched, *records[i].Clone())
		}
	}
	Sort(matched)

	if f.Offset >= len(matched) {
		return []Data{}
	}
	matched = matched[f.Offset:]
	if f.PageSize > 0 && len(matched) > f.PageSize {
		matched = matched[:f.PageSize]
	}
	return matched
}

// CountMatches returns how many records f matches, ignoring paging.
func (f Filter) CountMatches(records []Data) int {
	n := 0
	for i := range records {
		if f.Matches(&records[i]) {
			n++
		}
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
