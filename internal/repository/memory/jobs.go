// Package memory keeps jobs and documents in process memory. It backs unit
// tests and the single-process development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/compliance-processor/internal/apperr"
	"github.com/feichai0017/compliance-processor/internal/models"
)

type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*models.Job)}
}

func (s *JobStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (s *JobStore) UpdateActive(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return apperr.NotFound("job", job.ID)
	}
	if current.Status.Terminal() {
		return apperr.ErrJobFinished
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *JobStore) List(_ context.Context, filter models.JobFilter, offset, limit int) ([]*models.Job, int, error) {
	s.mu.RLock()
	matched := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Owner != "" && (j.Owner == nil || *j.Owner != filter.Owner) {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].StartTime.Equal(matched[b].StartTime) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].StartTime.After(matched[b].StartTime)
	})

	total := len(matched)
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *JobStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
