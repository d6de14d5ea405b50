package schedule

import (
	"sort"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/internal/docstore"
)

// Store persists job definitions, one JSON document per job id.
type Store struct {
	docs *docstore.Store
}

// NewStore creates a job store over docs.
func NewStore(docs *docstore.Store) *Store {
	return &Store{docs: docs}
}

// Save writes the whole job document.
func (s *Store) Save(job *Job) error {
	if err := s.docs.Put(job.ID, job); err != nil {
		return errors.Wrapf(err, "failed to save job %s", job.ID)
	}
	return nil
}

// Get reads one job document.
func (s *Store) Get(id string) (*Job, error) {
	var job Job
	if err := s.docs.Get(id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete removes a job document.
func (s *Store) Delete(id string) error {
	return s.docs.Delete(id)
}

// LoadAll reads every stored job ordered by creation time. Unreadable
// documents are reported in the returned error while the rest still load.
func (s *Store) LoadAll() ([]*Job, error) {
	ids, err := s.docs.List()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}

	var (
		jobs    []*Job
		loadErr error
	)
	for _, id := range ids {
		job, err := s.Get(id)
		if err != nil {
			loadErr = errors.CombineErrors(loadErr, errors.Wrapf(err, "job %s", id))
			continue
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, loadErr
}
