// Package store keeps job records in submission order.
//
// The store is written by a single owner (the scheduler), readers only ever
// receive copies.
package store

import (
	"slices"
	"sync"

	"github.com/CZERTAINLY/renderq/internal/model"
)

type Store struct {
	mx    sync.RWMutex
	jobs  map[string]model.Job
	order []string
}

func New() *Store {
	return &Store{
		jobs: make(map[string]model.Job),
	}
}

// Put inserts or replaces a job. New jobs are appended to the order.
func (s *Store) Put(job model.Job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
}

// Get returns a copy of the job, mutating it never changes the store.
func (s *Store) Get(id string) (model.Job, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	job, ok := s.jobs[id]
	return job.Clone(), ok
}

// Delete removes a job, deleting an unknown id is a no-op.
func (s *Store) Delete(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	return true
}

func (s *Store) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.order)
}

// List returns all jobs in queue order.
func (s *Store) List() []model.Job {
	s.mx.RLock()
	defer s.mx.RUnlock()
	ret := make([]model.Job, 0, len(s.order))
	for _, id := range s.order {
		ret = append(ret, s.jobs[id].Clone())
	}
	return ret
}

// ListByStatus returns jobs in queue order having any of given statuses.
func (s *Store) ListByStatus(statuses ...model.Status) []model.Job {
	s.mx.RLock()
	defer s.mx.RUnlock()
	var ret []model.Job
	for _, id := range s.order {
		if job := s.jobs[id]; slices.Contains(statuses, job.Status) {
			ret = append(ret, job.Clone())
		}
	}
	return ret
}

// First returns the earliest job in queue order with given status.
func (s *Store) First(status model.Status) (model.Job, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	for _, id := range s.order {
		if job := s.jobs[id]; job.Status == status {
			return job.Clone(), true
		}
	}
	return model.Job{}, false
}

// Count returns the number of jobs with status.
func (s *Store) Count(status model.Status) int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

// Move swaps the job with its neighbour, delta is -1 (up) or +1 (down).
// Returns false when the job is unknown or already at the boundary.
func (s *Store) Move(id string, delta int) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	idx := slices.Index(s.order, id)
	if idx < 0 {
		return false
	}
	other := idx + delta
	if other < 0 || other >= len(s.order) {
		return false
	}
	s.order[idx], s.order[other] = s.order[other], s.order[idx]
	return true
}

// MoveToBack puts an existing job at the end of the order.
func (s *Store) MoveToBack(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	idx := slices.Index(s.order, id)
	if idx < 0 {
		return false
	}
	s.order = append(slices.Delete(s.order, idx, idx+1), id)
	return true
}
