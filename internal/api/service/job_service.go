// Package service holds the producer-side job operations used by the HTTP
// handlers. It owns the ordering between the record store and the broker.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/metrics"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/google/uuid"
)

// Cancel reasons written to the record
const (
	ReasonCanceledByClient = "canceled by client"
	ReasonEnqueueFailed    = "enqueue failed"
)

// SubmitRequest is an unvalidated submission
type SubmitRequest struct {
	ImagePath string
	Filter    string
	Intensity *int
}

// Stats is the aggregate view served by /stats
type Stats struct {
	Queue    map[domain.State]int64
	ByState  map[domain.State]int64
	ByFilter map[string]int64
	Metrics  metrics.Snapshot
}

// Config holds the JobService collaborators
type Config struct {
	Broker         broker.Broker
	Store          store.Store
	Metrics        metrics.Collector
	Logger         *slog.Logger
	AllowedFilters []string
}

// JobService implements submit, status, history, cancel and delete
type JobService struct {
	broker         broker.Broker
	store          store.Store
	metrics        metrics.Collector
	logger         *slog.Logger
	allowedFilters []string

	newID func() string
	now   func() time.Time
}

func NewJobService(cfg Config) *JobService {
	return &JobService{
		broker:         cfg.Broker,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		allowedFilters: cfg.AllowedFilters,
		newID:          uuid.NewString,
		now:            time.Now,
	}
}

// Submit validates the request, records the job as waiting and enqueues it.
// The record is written first so a status read right after submit never
// misses. If the enqueue fails the record is canceled and the error wraps
// domain.ErrBrokerUnavailable.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	payload, err := domain.NewPayload(req.ImagePath, req.Filter, req.Intensity, s.allowedFilters)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := domain.NewJob(s.newID(), payload, now)

	if err := s.store.Put(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.broker.Enqueue(ctx, job.ID, payload); err != nil {
		s.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		if _, uerr := s.store.Update(ctx, job.ID, func(j *domain.Job) error {
			return j.Cancel(ReasonEnqueueFailed, s.now())
		}); uerr != nil {
			s.logger.Error("Failed to cancel unqueued job record",
				slog.String("job_id", job.ID),
				slog.String("error", uerr.Error()),
			)
		}

		if !errors.Is(err, domain.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.metrics.JobQueued()

	s.logger.Info("Job queued",
		slog.String("job_id", job.ID),
		slog.String("filter", payload.Filter),
		slog.Int("intensity", payload.Intensity),
	)

	return job, nil
}

// Get returns the job record
func (s *JobService) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of history, newest first, with one extra row when
// another page exists
func (s *JobService) List(ctx context.Context, filter store.Filter) ([]*domain.Job, error) {
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel withdraws a job that no worker has claimed yet
func (s *JobService) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != domain.StateWaiting {
		return nil, fmt.Errorf("%w: state is %s", domain.ErrNotCancelable, job.State)
	}

	if err := s.broker.Cancel(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		// the broker no longer knows the job; the record is still waiting
		s.logger.Warn("Job missing from broker, canceling record only",
			slog.String("job_id", id),
		)
	}

	job, err = s.store.Update(ctx, id, func(j *domain.Job) error {
		return j.Cancel(ReasonCanceledByClient, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job canceled",
		slog.String("job_id", id),
	)
	return job, nil
}

// Delete removes a finished job record and its queue entry
func (s *JobService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.broker.Remove(ctx, id); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		// retention purge picks the entry up later
		s.logger.Warn("Failed to remove queue entry",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}
	s.logger.Info("Job record deleted",
		slog.String("job_id", id),
	)
	return nil
}

// Stats combines live queue sizes, record counts and the metrics snapshot
func (s *JobService) Stats(ctx context.Context) (*Stats, error) {
	queue, err := broker.Sizes(ctx, s.broker)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue sizes: %w", err)
	}

	byState, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}

	byFilter, err := s.store.CountByFilter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by filter: %w", err)
	}

	return &Stats{
		Queue:    queue,
		ByState:  byState,
		ByFilter: byFilter,
		Metrics:  s.metrics.Snapshot(),
	}, nil
}

// Health pings the broker and the store
func (s *JobService) Health(ctx context.Context) error {
	if err := s.broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Uptime is how long the metrics aggregator has been running
func (s *JobService) Uptime() time.Duration {
	return time.Duration(s.metrics.Snapshot().UptimeSeconds * float64(time.Second))
}
