// Package store persists job records so clients can read status after the
// broker has moved on.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
)

// Store is the job record repository. Implementations must apply Update
// atomically per job id.
type Store interface {
	// Put inserts a new record; the id must not exist yet
	Put(ctx context.Context, job *domain.Job) error

	// Get returns domain.ErrJobNotFound for unknown ids
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update loads the record, applies mutate and saves the result. If mutate
	// returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, id string, mutate func(*domain.Job) error) (*domain.Job, error)

	// List returns records newest first. It fetches PageSize+1 rows so the
	// caller can tell whether another page exists.
	List(ctx context.Context, filter Filter) ([]*domain.Job, error)

	CountByState(ctx context.Context) (map[domain.State]int64, error)
	CountByFilter(ctx context.Context) (map[string]int64, error)

	// Delete removes a terminal record. Non-terminal records return
	// domain.ErrNotDeletable.
	Delete(ctx context.Context, id string) error

	// DeleteFinishedBefore removes terminal records finished before cutoff
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Filter narrows a List call
type Filter struct {
	State    domain.State
	Filter   string
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last record of the previous page
type Cursor struct {
	EnqueuedAt time.Time
	JobID      string
}

// before reports whether a record sorts after the cursor in newest-first order
func (c *Cursor) before(enqueuedAt time.Time, id string) bool {
	if enqueuedAt.Equal(c.EnqueuedAt) {
		return id < c.JobID
	}
	return enqueuedAt.Before(c.EnqueuedAt)
}

func (f Filter) matches(job *domain.Job) bool {
	if f.State != "" && job.State != f.State {
		return false
	}
	if f.Filter != "" && job.Payload.Filter != f.Filter {
		return false
	}
	if f.Cursor != nil && !f.Cursor.before(job.EnqueuedAt, job.ID) {
		return false
	}
	return true
}
