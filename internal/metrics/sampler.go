package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/robfig/cron/v3"
)

// DefaultSampleSchedule refreshes the queue gauges every five seconds
const DefaultSampleSchedule = "@every 5s"

// Sampler periodically copies broker queue sizes into the collector gauges
type Sampler struct {
	broker    broker.Broker
	collector Collector
	logger    *slog.Logger
	timeout   time.Duration
	cron      *cron.Cron
}

func NewSampler(b broker.Broker, c Collector, logger *slog.Logger) *Sampler {
	return &Sampler{
		broker:    b,
		collector: c,
		logger:    logger,
		timeout:   2 * time.Second,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// SampleOnce reads waiting and active sizes. On error the previous gauges stay.
func (s *Sampler) SampleOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	waiting, err := s.broker.Size(ctx, domain.StateWaiting)
	if err != nil {
		return fmt.Errorf("failed to read waiting size: %w", err)
	}
	active, err := s.broker.Size(ctx, domain.StateActive)
	if err != nil {
		return fmt.Errorf("failed to read active size: %w", err)
	}

	s.collector.SetQueueSizes(waiting, active)
	return nil
}

// Start takes one sample immediately then schedules the rest
func (s *Sampler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSampleSchedule
	}

	sample := func() {
		if err := s.SampleOnce(ctx); err != nil {
			s.logger.Warn("Queue size sample failed",
				slog.Any("error", err),
			)
		}
	}

	if _, err := s.cron.AddFunc(schedule, sample); err != nil {
		return fmt.Errorf("invalid sample schedule %q: %w", schedule, err)
	}

	sample()
	s.cron.Start()

	s.logger.Info("Queue size sampler started",
		slog.String("schedule", schedule),
	)
	return nil
}

// Stop halts the schedule and waits for a running sample to return
func (s *Sampler) Stop() {
	<-s.cron.Stop().Done()
}
