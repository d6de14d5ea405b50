package sync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// Destination is the store changes are applied to, partitioned by source
// type. Get returns an error satisfying errors.IsNotFoundError when the
// record is absent.
type Destination interface {
	Get(ctx context.Context, sourceType source.Type, id string) (*invoice.Data, error)
	Upsert(ctx context.Context, sourceType source.Type, d *invoice.Data) error
	Delete(ctx context.Context, sourceType source.Type, id string) error
}

// Strategy names how a conflict was settled.
type Strategy string

const (
	StrategyTimestampWins Strategy = "timestamp_wins"
	StrategyFieldMerge    Strategy = "field_merge"
	StrategyRemoteWins    Strategy = "remote_wins"
)

// Winner names which copy a resolution kept.
type Winner string

const (
	WinnerSource      Winner = "source"
	WinnerDestination Winner = "destination"
	WinnerMerged      Winner = "merged"
)

// Resolution records one settled conflict.
type Resolution struct {
	RecordID   string    `json:"record_id"`
	Strategy   Strategy  `json:"strategy"`
	Winner     Winner    `json:"winner"`
	Merged     []string  `json:"merged_fields,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`

	// Record is what the destination must hold afterwards; nil when the
	// destination copy already wins.
	Record *invoice.Data `json:"-"`
}

// field reads and writes one mergeable field as a comparable string.
type field struct {
	name string
	get  func(*invoice.Data) string
	set  func(*invoice.Data, string)
}

var mergeable = []field{
	{
		name: "number",
		get:  func(d *invoice.Data) string { return d.Number },
		set:  func(d *invoice.Data, v string) { d.Number = v },
	},
	{
		name: "status",
		get:  func(d *invoice.Data) string { return string(d.Status) },
		set:  func(d *invoice.Data, v string) { d.Status = invoice.Status(v) },
	},
	{
		name: "currency",
		get:  func(d *invoice.Data) string { return d.Currency },
		set:  func(d *invoice.Data, v string) { d.Currency = v },
	},
	{
		name: "counterparty_id",
		get:  func(d *invoice.Data) string { return d.CounterpartyID },
		set:  func(d *invoice.Data, v string) { d.CounterpartyID = v },
	},
	{
		name: "total_amount",
		get:  func(d *invoice.Data) string { return d.TotalAmount.String() },
		set: func(d *invoice.Data, v string) {
			if amt, err := decimal.NewFromString(v); err == nil {
				d.TotalAmount = amt
			}
		},
	},
	{
		name: "due_date",
		get: func(d *invoice.Data) string {
			if d.DueDate == nil {
				return ""
			}
			return d.DueDate.UTC().Format(time.RFC3339)
		},
		set: func(d *invoice.Data, v string) {
			if v == "" {
				d.DueDate = nil
				return
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				d.DueDate = &t
			}
		},
	},
}

func mergeFields(d *invoice.Data) map[string]string {
	out := make(map[string]string, len(mergeable))
	for _, f := range mergeable {
		out[f.name] = f.get(d)
	}
	return out
}

// Resolve settles a record changed both at the source and in the
// destination since the last sync. Strategies apply in order: the more
// recently updated copy wins; on a timestamp tie, changes to different
// fields are merged over the source copy; otherwise the source copy wins.
func Resolve(base IndexEntry, local, remote *invoice.Data, now time.Time) Resolution {
	res := Resolution{RecordID: remote.ID, ResolvedAt: now}

	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		res.Strategy, res.Winner, res.Record = StrategyTimestampWins, WinnerSource, remote.Clone()
		return res
	case local.UpdatedAt.After(remote.UpdatedAt):
		res.Strategy, res.Winner = StrategyTimestampWins, WinnerDestination
		return res
	}

	if merged, fields, ok := mergeDisjoint(base, local, remote); ok {
		res.Strategy, res.Winner, res.Record, res.Merged = StrategyFieldMerge, WinnerMerged, merged, fields
		return res
	}

	res.Strategy, res.Winner, res.Record = StrategyRemoteWins, WinnerSource, remote.Clone()
	return res
}

// mergeDisjoint applies the destination's field changes on top of the
// source copy. It fails when both sides changed the same field to different
// values, or when no base is known.
func mergeDisjoint(base IndexEntry, local, remote *invoice.Data) (*invoice.Data, []string, bool) {
	if len(base.Fields) == 0 {
		return nil, nil, false
	}

	merged := remote.Clone()
	var taken []string
	for _, f := range mergeable {
		b, known := base.Fields[f.name]
		if !known {
			return nil, nil, false
		}
		l, r := f.get(local), f.get(remote)
		localChanged, remoteChanged := l != b, r != b
		switch {
		case localChanged && remoteChanged && l != r:
			return nil, nil, false
		case localChanged && !remoteChanged:
			f.set(merged, l)
			taken = append(taken, f.name)
		}
	}
	return merged, taken, true
}
