// Package jsonfile reads ERP exports dropped into a directory as JSON.
//
// Every *.json file in the directory is either a bare array of invoices or
// an export document:
//
//	{
//	  "invoices": [ { "id": "...", "number": "...", ... } ],
//	  "deleted":  [ { "record_id": "...", "kind": "deleted", "deleted_at": "..." } ]
//	}
//
// Files are read when the session opens, so one connection scope sees a
// consistent snapshot even while new exports arrive.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/source"
)

type export struct {
	Invoices []invoice.Data     `json:"invoices"`
	Deleted  []source.Tombstone `json:"deleted"`
}

// Adapter serves invoices from a directory of JSON exports.
type Adapter struct {
	sourceType source.Type
	dir        string
	logger     *zap.SugaredLogger

	mu         sync.RWMutex
	connected  bool
	records    []invoice.Data
	tombstones []source.Tombstone
}

// New creates an adapter reading exports from dir.
func New(sourceType source.Type, dir string, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = logger.ComponentLogger("jsonfile")
	}
	return &Adapter{
		sourceType: sourceType,
		dir:        dir,
		logger:     log.With(logger.FieldSourceType, string(sourceType)),
	}
}

// Connect loads every export in the directory.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	records, tombstones, err := a.load(ctx)
	if err != nil {
		return err
	}
	a.records = records
	a.tombstones = tombstones
	a.connected = true

	a.logger.Debugw("Loaded exports",
		logger.FieldPath, a.dir,
		logger.FieldCount, len(records),
	)
	return nil
}

// Disconnect drops the loaded snapshot.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.records = nil
	a.tombstones = nil
	return nil
}

// TestConnection checks the export directory is readable.
func (a *Adapter) TestConnection(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, source.NewError(source.KindConnection, a.sourceType, "test_connection", err)
	}
	return info.IsDir(), nil
}

// ValidateCredentials always succeeds: exports carry no credentials.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	return true, nil
}

// Extract returns the page of records filter addresses.
func (a *Adapter) Extract(ctx context.Context, filter invoice.Filter) ([]invoice.Data, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, source.NewError(source.KindConnection, a.sourceType, "extract", errors.New("not connected"))
	}
	return filter.Apply(a.records), nil
}

// Count returns how many records filter matches.
func (a *Adapter) Count(ctx context.Context, filter invoice.Filter) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return 0, source.NewError(source.KindConnection, a.sourceType, "count", errors.New("not connected"))
	}
	return filter.CountMatches(a.records), nil
}

// ExtractDeleted returns tombstones from the exports dated at or after since.
func (a *Adapter) ExtractDeleted(ctx context.Context, since time.Time) ([]source.Tombstone, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, source.NewError(source.KindConnection, a.sourceType, "extract_deleted", errors.New("not connected"))
	}
	var out []source.Tombstone
	for _, ts := range a.tombstones {
		if !ts.DeletedAt.Before(since) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (a *Adapter) load(ctx context.Context) ([]invoice.Data, []source.Tombstone, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, source.NewError(source.KindConnection, a.sourceType, "connect",
				errors.Wrapf(err, "export directory %s", a.dir))
		}
		return nil, nil, source.NewError(source.KindSystem, a.sourceType, "connect", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	// Later files win for the same id, so exports can be layered.
	byID := make(map[string]invoice.Data)
	var tombstones []source.Tombstone
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, nil, source.Wrap(a.sourceType, "connect", err)
		}
		doc, err := readExport(filepath.Join(a.dir, name))
		if err != nil {
			return nil, nil, source.NewError(source.KindValidation, a.sourceType, "connect",
				errors.Wrapf(err, "parse %s", name))
		}
		for _, r := range doc.Invoices {
			byID[r.ID] = r
		}
		tombstones = append(tombstones, doc.Deleted...)
	}

	records := make([]invoice.Data, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	invoice.Sort(records)
	sort.SliceStable(tombstones, func(i, j int) bool {
		return tombstones[i].DeletedAt.Before(tombstones[j].DeletedAt)
	})
	return records, tombstones, nil
}

func readExport(path string) (*export, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var doc export
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &doc.Invoices); err != nil {
			return nil, err
		}
		return &doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

var (
	_ source.Adapter         = (*Adapter)(nil)
	_ source.TombstoneSource = (*Adapter)(nil)
)
