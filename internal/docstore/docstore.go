// Package docstore keeps one JSON document per id inside a directory.
//
// Writes are atomic: the document is written to a temp file in the same
// directory and renamed over the previous version, so a crash mid-write
// leaves either the old or the new document, never a torn one. Checkpoints,
// sync state, scheduled job definitions and reconciliation reports all live
// in docstores.
package docstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teranos/erpsync/errors"
)

const ext = ".json"

// Store is a directory of JSON documents keyed by id.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("docstore directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create docstore directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of the document with the given id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+ext)
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.NewInvalidRequestError("invalid document id %q", id)
	}
	return nil
}

// Put marshals v and atomically replaces the document stored under id.
func (s *Store) Put(id string, v interface{}) error {
	if err := validID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal document %s", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+id+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", id)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write document %s", id)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to sync document %s", id)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close document %s", id)
	}
	if err := os.Rename(tmpPath, s.Path(id)); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename document %s", id)
	}
	return nil
}

// Get unmarshals the document stored under id into v.
// A missing document yields an error satisfying errors.IsNotFoundError.
func (s *Store) Get(id string, v interface{}) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.Path(id))
	s.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("document %s", id)
		}
		return errors.Wrapf(err, "failed to read document %s", id)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "document %s is corrupted", id)
	}
	return nil
}

// Exists reports whether a document is stored under id.
func (s *Store) Exists(id string) bool {
	if validID(id) != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Delete removes the document stored under id. Deleting a missing document
// is not an error.
func (s *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete document %s", id)
	}
	return nil
}

// List returns the ids of all stored documents in lexical order.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", s.dir)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune deletes documents last written before cutoff and returns how many
// were removed. keep, when non-nil, can veto deletion of individual ids.
func (s *Store) Prune(cutoff time.Time, keep func(id string) bool) (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		info, err := os.Stat(s.Path(id))
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "failed to prune document %s", id)
		}
		removed++
	}
	return removed, nil
}
