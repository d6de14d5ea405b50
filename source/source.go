// Package source defines the contract every ERP source system implements.
//
// The engine never talks to an ERP directly. Each source system is wrapped
// by an Adapter registered under its Type; the extraction coordinator, batch
// processor and sync service reach sources only through this interface:
//
//	registry := source.NewRegistry()
//	if err := registry.Register("netsuite", adapter); err != nil {
//	    return err
//	}
//
// Adapters report failures as *Error values carrying a Kind so callers can
// decide whether a retry makes sense without knowing the source system.
package source

import (
	"context"
	"time"

	"github.com/teranos/erpsync/invoice"
)

// Type identifies a registered source system. One adapter per Type.
type Type string

// Adapter is the capability set of a source system.
type Adapter interface {
	// Connect opens the session. Calling Connect on a connected adapter is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the session.
	Disconnect(ctx context.Context) error

	// TestConnection probes reachability without extracting.
	TestConnection(ctx context.Context) (bool, error)

	// Extract returns the records matching filter. When filter.PageSize > 0
	// at most PageSize records are returned, starting at filter.Offset.
	Extract(ctx context.Context, filter invoice.Filter) ([]invoice.Data, error)

	// Count returns how many records match filter, ignoring paging.
	Count(ctx context.Context, filter invoice.Filter) (int, error)

	// ValidateCredentials checks the configured credentials are accepted.
	ValidateCredentials(ctx context.Context) (bool, error)
}

// TombstoneKind distinguishes explicit removals reported by a source.
type TombstoneKind string

const (
	TombstoneDeleted TombstoneKind = "deleted"
	TombstoneMoved   TombstoneKind = "moved"
)

// Tombstone records that a source removed or relocated a record.
type Tombstone struct {
	RecordID  string        `json:"record_id"`
	Kind      TombstoneKind `json:"kind"`
	MovedTo   string        `json:"moved_to,omitempty"`
	DeletedAt time.Time     `json:"deleted_at"`
}

// TombstoneSource is implemented by adapters whose source system keeps a
// deletion log. The sync service uses it to emit deleted and moved changes.
type TombstoneSource interface {
	ExtractDeleted(ctx context.Context, since time.Time) ([]Tombstone, error)
}
