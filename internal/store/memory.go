package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
)

// MemoryStore keeps records in a map guarded by a RWMutex
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
	}
}

func (s *MemoryStore) Put(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*domain.Job) error) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.matches(job) {
			out = append(out, job.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := b.EnqueuedAt.Compare(a.EnqueuedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context) (map[domain.State]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.State]int64)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (s *MemoryStore) CountByFilter(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, job := range s.jobs {
		counts[job.Payload.Filter]++
	}
	return counts, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("%w: state is %s", domain.ErrNotDeletable, job.State)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.State.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
