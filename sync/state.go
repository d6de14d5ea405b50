package sync

import (
	"sort"
	"time"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/internal/docstore"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/source"
)

// State is the durable sync watermark of one source type.
type State struct {
	SourceType        source.Type       `json:"source_type"`
	LastSyncTimestamp *time.Time        `json:"last_sync_timestamp,omitempty"`
	LastSequence      int64             `json:"last_sequence"`
	LastHash          string            `json:"last_hash,omitempty"`
	SyncedCount       int64             `json:"synced_count"`
	FailureCount      int               `json:"failure_count"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	Watermarks        map[string]string `json:"watermarks,omitempty"`
}

// Watermark keys.
const (
	WatermarkMaxUpdatedAt = "max_updated_at"
	WatermarkLastSyncID   = "last_sync_id"
	WatermarkRecordCount  = "record_count"
)

func (s *State) clone() *State {
	c := *s
	if s.LastSyncTimestamp != nil {
		t := *s.LastSyncTimestamp
		c.LastSyncTimestamp = &t
	}
	if s.LastAttemptAt != nil {
		t := *s.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if s.Watermarks != nil {
		c.Watermarks = make(map[string]string, len(s.Watermarks))
		for k, v := range s.Watermarks {
			c.Watermarks[k] = v
		}
	}
	return &c
}

// IndexEntry is the last-seen source version of one record. Fields keeps
// the comparable values that field-level merges need as a common base.
type IndexEntry struct {
	Hash   string            `json:"hash"`
	Entity string            `json:"entity,omitempty"`
	Period string            `json:"period,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Index maps record ids to their last-seen source version.
type Index map[string]IndexEntry

func entryFor(d *invoice.Data) IndexEntry {
	key := KeyFor(d)
	return IndexEntry{
		Hash:   ContentHashHex(d),
		Entity: key.Entity,
		Period: key.Period,
		Fields: mergeFields(d),
	}
}

func (ix Index) clone() Index {
	c := make(Index, len(ix))
	for id, e := range ix {
		c[id] = e
	}
	return c
}

// Tree builds the Merkle digest of the index.
func (ix Index) Tree() *Tree {
	tree := NewTree()
	for id, e := range ix {
		h, ok := parseHex(e.Hash)
		if !ok {
			continue
		}
		tree.Insert(GroupKey{Entity: e.Entity, Period: e.Period}, LeafHash(id, h))
	}
	return tree
}

// IDs returns the indexed record ids in lexical order.
func (ix Index) IDs() []string {
	ids := make([]string, 0, len(ix))
	for id := range ix {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StateStore persists one state document and one hash index document per
// source type.
type StateStore struct {
	states  *docstore.Store
	indexes *docstore.Store
}

// NewStateStore keeps states and indexes in two docstores.
func NewStateStore(states, indexes *docstore.Store) *StateStore {
	return &StateStore{states: states, indexes: indexes}
}

// Load returns the state of sourceType, or a fresh state if none is stored.
func (s *StateStore) Load(sourceType source.Type) (*State, error) {
	var st State
	if err := s.states.Get(string(sourceType), &st); err != nil {
		if errors.IsNotFoundError(err) {
			return &State{SourceType: sourceType}, nil
		}
		return nil, errors.Wrapf(err, "failed to load sync state for %s", sourceType)
	}
	return &st, nil
}

// Save writes the state document.
func (s *StateStore) Save(st *State) error {
	if err := s.states.Put(string(st.SourceType), st); err != nil {
		return errors.Wrapf(err, "failed to save sync state for %s", st.SourceType)
	}
	return nil
}

// LoadIndex returns the hash index of sourceType, empty if none is stored.
func (s *StateStore) LoadIndex(sourceType source.Type) (Index, error) {
	ix := Index{}
	if err := s.indexes.Get(string(sourceType), &ix); err != nil {
		if errors.IsNotFoundError(err) {
			return Index{}, nil
		}
		return nil, errors.Wrapf(err, "failed to load hash index for %s", sourceType)
	}
	return ix, nil
}

// SaveIndex writes the hash index document.
func (s *StateStore) SaveIndex(sourceType source.Type, ix Index) error {
	if err := s.indexes.Put(string(sourceType), ix); err != nil {
		return errors.Wrapf(err, "failed to save hash index for %s", sourceType)
	}
	return nil
}

// Delete removes both documents of sourceType.
func (s *StateStore) Delete(sourceType source.Type) error {
	if err := s.indexes.Delete(string(sourceType)); err != nil {
		return err
	}
	return s.states.Delete(string(sourceType))
}

// SourceTypes lists the source types that have a stored state.
func (s *StateStore) SourceTypes() ([]source.Type, error) {
	ids, err := s.states.List()
	if err != nil {
		return nil, err
	}
	out := make([]source.Type, len(ids))
	for i, id := range ids {
		out[i] = source.Type(id)
	}
	return out, nil
}
