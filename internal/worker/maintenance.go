package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/robfig/cron/v3"
)

// MaintenanceConfig holds the cron schedules for housekeeping
type MaintenanceConfig struct {
	ReclaimSchedule   string
	RetentionSchedule string
	RetentionMaxAge   time.Duration
	Timeout           time.Duration
}

// Maintenance runs lease reclaim and record retention on a schedule
type Maintenance struct {
	broker broker.Broker
	store  store.Store
	logger *slog.Logger
	config MaintenanceConfig
	cron   *cron.Cron
	now    func() time.Time
}

func NewMaintenance(b broker.Broker, s store.Store, cfg MaintenanceConfig, logger *slog.Logger) *Maintenance {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Maintenance{
		broker: b,
		store:  s,
		logger: logger,
		config: cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:    time.Now,
	}
}

// ReclaimExpired returns jobs with lapsed leases to the waiting queue
func (m *Maintenance) ReclaimExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	n, err := m.broker.ReclaimExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if n > 0 {
		m.logger.Warn("Reclaimed jobs with expired leases",
			slog.Int("count", n),
		)
	}
	return n, nil
}

// PurgeFinished deletes terminal records and queue entries older than the
// retention age. It reports the number of records removed.
func (m *Maintenance) PurgeFinished(ctx context.Context) (int64, error) {
	if m.config.RetentionMaxAge <= 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	cutoff := m.now().Add(-m.config.RetentionMaxAge)
	n, err := m.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("Purged finished job records",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}

	entries, err := m.broker.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to purge finished queue entries: %w", err)
	}
	if entries > 0 {
		m.logger.Info("Purged finished queue entries",
			slog.Int64("count", entries),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Start registers the configured schedules. Empty schedules are skipped.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.config.ReclaimSchedule != "" {
		_, err := m.cron.AddFunc(m.config.ReclaimSchedule, func() {
			if _, err := m.ReclaimExpired(ctx); err != nil {
				m.logger.Error("Lease reclaim failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid reclaim schedule %q: %w", m.config.ReclaimSchedule, err)
		}
	}

	if m.config.RetentionSchedule != "" && m.config.RetentionMaxAge > 0 {
		_, err := m.cron.AddFunc(m.config.RetentionSchedule, func() {
			if _, err := m.PurgeFinished(ctx); err != nil {
				m.logger.Error("Retention purge failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", m.config.RetentionSchedule, err)
		}
	}

	m.cron.Start()
	m.logger.Info("Maintenance scheduler started",
		slog.String("reclaim_schedule", m.config.ReclaimSchedule),
		slog.String("retention_schedule", m.config.RetentionSchedule),
		slog.Duration("retention_max_age", m.config.RetentionMaxAge),
	)
	return nil
}

// Stop halts the scheduler and waits for running tasks
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
