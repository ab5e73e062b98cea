package worker

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/cuongbtq/imagejobs/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenance_ReclaimExpired(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	b := broker.NewMemoryBroker().WithClock(func() time.Time { return now })

	require.NoError(t, b.Enqueue(ctx, "job-1", domain.Payload{ImagePath: "a.png", Filter: "blur"}))
	_, err := b.Claim(ctx, "w", time.Second)
	require.NoError(t, err)

	m := NewMaintenance(b, store.NewMemoryStore(), MaintenanceConfig{}, logger.NewDiscard())

	n, err := m.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Second)
	n, err = m.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waiting, err := b.Size(ctx, domain.StateWaiting)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
}

func TestMaintenance_PurgeFinished(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := store.NewMemoryStore()

	finish := func(id string, at time.Time) {
		require.NoError(t, s.Put(ctx, domain.NewJob(id, domain.Payload{Filter: "blur"}, at)))
		_, err := s.Update(ctx, id, func(j *domain.Job) error {
			if err := j.Claim("w", at); err != nil {
				return err
			}
			return j.Complete(domain.Result{OutputPath: id}, at)
		})
		require.NoError(t, err)
	}
	finish("old", now.Add(-10*24*time.Hour))
	finish("recent", now.Add(-time.Hour))

	clock := now.Add(-10 * 24 * time.Hour)
	b := broker.NewMemoryBroker().WithClock(func() time.Time { return clock })
	for _, id := range []string{"old", "recent"} {
		require.NoError(t, b.Enqueue(ctx, id, domain.Payload{Filter: "blur"}))
		lease, err := b.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, lease, broker.Completed(domain.Result{OutputPath: id})))
		clock = now.Add(-time.Hour)
	}

	m := NewMaintenance(b, s, MaintenanceConfig{RetentionMaxAge: 7 * 24 * time.Hour}, logger.NewDiscard())
	n, err := m.PurgeFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = s.Get(ctx, "recent")
	assert.NoError(t, err)

	entries, err := b.List(ctx, domain.StateCompleted, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].JobID)

	disabled := NewMaintenance(broker.NewMemoryBroker(), s, MaintenanceConfig{}, logger.NewDiscard())
	n, err = disabled.PurgeFinished(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintenance_StartValidatesSchedules(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MaintenanceConfig
		wantErr bool
	}{
		{name: "all disabled", cfg: MaintenanceConfig{}},
		{name: "valid", cfg: MaintenanceConfig{ReclaimSchedule: "@every 30s", RetentionSchedule: "0 3 * * *", RetentionMaxAge: time.Hour}},
		{name: "bad reclaim", cfg: MaintenanceConfig{ReclaimSchedule: "every now and then"}, wantErr: true},
		{name: "bad retention", cfg: MaintenanceConfig{RetentionSchedule: "nope", RetentionMaxAge: time.Hour}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMaintenance(broker.NewMemoryBroker(), store.NewMemoryStore(), tt.cfg, logger.NewDiscard())
			err := m.Start(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			m.Stop()
		})
	}
}
