package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/shared/database"
	"github.com/cuongbtq/imagejobs/shared/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokerFactory func(t *testing.T, clock *fakeClock) Broker

func backends() map[string]brokerFactory {
	return map[string]brokerFactory{
		"memory": func(t *testing.T, clock *fakeClock) Broker {
			return NewMemoryBroker().WithClock(clock.Now)
		},
		"redis": func(t *testing.T, clock *fakeClock) Broker {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			b := NewRedisBroker(client, "test").WithClock(clock.Now)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Broker {
			client, err := database.NewClient(&database.Config{
				Driver: database.DriverSQLite,
				Path:   filepath.Join(t.TempDir(), "queue.db"),
			}, logger.NewDiscard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })

			b := NewSQLBroker(client).WithClock(clock.Now)
			require.NoError(t, b.EnsureSchema(context.Background()))
			return b
		},
	}
}

func payloadFor(i int) domain.Payload {
	return domain.Payload{ImagePath: fmt.Sprintf("uploads/%d.png", i), Filter: "blur", Intensity: 50}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Broker, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestBroker_ClaimIsFIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()

		_, err := b.Claim(ctx, "w1", time.Minute)
		require.ErrorIs(t, err, domain.ErrQueueEmpty)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Enqueue(ctx, fmt.Sprintf("job-%d", i), payloadFor(i)))
			clock.Advance(time.Millisecond)
		}

		for i := 0; i < 3; i++ {
			lease, err := b.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("job-%d", i), lease.JobID)
			assert.Equal(t, payloadFor(i), lease.Payload)
			assert.Equal(t, 1, lease.Attempt)
			assert.Equal(t, "w1", lease.WorkerID)
			assert.NotEmpty(t, lease.Token)
			assert.WithinDuration(t, clock.Now().Add(time.Minute), lease.ExpiresAt, 0)
		}

		_, err = b.Claim(ctx, "w1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrQueueEmpty)
	})
}

func TestBroker_AckCompletesAndFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "ok", payloadFor(1)))
		require.NoError(t, b.Enqueue(ctx, "bad", payloadFor(2)))

		first, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		second, err := b.Claim(ctx, "w2", time.Minute)
		require.NoError(t, err)

		sizes, err := Sizes(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, int64(0), sizes[domain.StateWaiting])
		assert.Equal(t, int64(2), sizes[domain.StateActive])

		require.NoError(t, b.Ack(ctx, first, Completed(domain.Result{OutputPath: "results/ok_output.jpg"})))
		require.NoError(t, b.Ack(ctx, second, Failed("Unknown filter: foo")))

		sizes, err = Sizes(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, map[domain.State]int64{
			domain.StateWaiting:   0,
			domain.StateActive:    0,
			domain.StateCompleted: 1,
			domain.StateFailed:    1,
		}, sizes)

		completed, err := b.List(ctx, domain.StateCompleted, 10)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "ok", completed[0].JobID)
		require.NotNil(t, completed[0].Result)
		assert.Equal(t, "results/ok_output.jpg", completed[0].Result.OutputPath)
		assert.NotNil(t, completed[0].FinishedAt)

		failed, err := b.List(ctx, domain.StateFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "Unknown filter: foo", failed[0].Reason)
		assert.Nil(t, failed[0].Result)
	})
}

func TestBroker_AckRequiresHeldLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "job", payloadFor(1)))
		lease, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)

		forged := *lease
		forged.Token = "not-the-token"
		assert.ErrorIs(t, b.Ack(ctx, &forged, Failed("x")), domain.ErrJobNotFound)

		require.NoError(t, b.Ack(ctx, lease, Failed("x")))
		assert.ErrorIs(t, b.Ack(ctx, lease, Failed("again")), domain.ErrJobNotFound)

		unknown := &Lease{JobID: "missing", Token: "t", ExpiresAt: clock.Now().Add(time.Minute)}
		assert.ErrorIs(t, b.Ack(ctx, unknown, Failed("x")), domain.ErrJobNotFound)
	})
}

func TestBroker_AckRejectsInvalidOutcome(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "job", payloadFor(1)))
		lease, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)

		assert.Error(t, b.Ack(ctx, lease, Outcome{State: domain.StateCompleted}))
		assert.ErrorIs(t, b.Ack(ctx, lease, Outcome{State: domain.StateWaiting}), domain.ErrInvalidTransition)
	})
}

func TestBroker_LeaseExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "a", payloadFor(1)))
		clock.Advance(time.Millisecond)
		require.NoError(t, b.Enqueue(ctx, "b", payloadFor(2)))

		stale, err := b.Claim(ctx, "w1", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "a", stale.JobID)

		clock.Advance(11 * time.Second)
		assert.ErrorIs(t, b.Extend(ctx, stale, 10*time.Second), domain.ErrLeaseExpired)
		assert.ErrorIs(t, b.Ack(ctx, stale, Completed(domain.Result{OutputPath: "x"})), domain.ErrLeaseExpired)

		n, err := b.ReclaimExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// reclaimed job goes back to the head of the queue
		fresh, err := b.Claim(ctx, "w2", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "a", fresh.JobID)
		assert.Equal(t, 2, fresh.Attempt)
		assert.NotEqual(t, stale.Token, fresh.Token)

		assert.ErrorIs(t, b.Ack(ctx, stale, Failed("late")), domain.ErrLeaseExpired)
		require.NoError(t, b.Ack(ctx, fresh, Completed(domain.Result{OutputPath: "x"})))

		n, err = b.ReclaimExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestBroker_ExtendKeepsLeaseAlive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "job", payloadFor(1)))
		lease, err := b.Claim(ctx, "w1", 10*time.Second)
		require.NoError(t, err)

		clock.Advance(8 * time.Second)
		require.NoError(t, b.Extend(ctx, lease, 10*time.Second))
		assert.WithinDuration(t, clock.Now().Add(10*time.Second), lease.ExpiresAt, 0)

		clock.Advance(8 * time.Second)
		n, err := b.ReclaimExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, b.Ack(ctx, lease, Completed(domain.Result{OutputPath: "x"})))
	})
}

func TestBroker_Cancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "a", payloadFor(1)))
		require.NoError(t, b.Enqueue(ctx, "b", payloadFor(2)))

		require.NoError(t, b.Cancel(ctx, "b"))
		assert.ErrorIs(t, b.Cancel(ctx, "b"), domain.ErrNotCancelable)
		assert.ErrorIs(t, b.Cancel(ctx, "missing"), domain.ErrJobNotFound)

		lease, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "a", lease.JobID)
		assert.ErrorIs(t, b.Cancel(ctx, "a"), domain.ErrNotCancelable)

		_, err = b.Claim(ctx, "w1", time.Minute)
		assert.ErrorIs(t, err, domain.ErrQueueEmpty)

		canceled, err := b.Size(ctx, domain.StateCanceled)
		require.NoError(t, err)
		assert.Equal(t, int64(1), canceled)
	})
}

func TestBroker_EnqueueRejectsDuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "job", payloadFor(1)))
		assert.Error(t, b.Enqueue(ctx, "job", payloadFor(2)))

		entries, err := b.List(ctx, domain.StateWaiting, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, payloadFor(1), entries[0].Payload)
		assert.Equal(t, 0, entries[0].Attempts)
		assert.WithinDuration(t, clock.Now(), entries[0].EnqueuedAt, 0)
	})
}

func TestBroker_Remove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		for _, id := range []string{"done", "broken", "dropped", "running", "queued"} {
			require.NoError(t, b.Enqueue(ctx, id, payloadFor(1)))
			clock.Advance(time.Millisecond)
		}

		done, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, done, Completed(domain.Result{OutputPath: "x"})))
		broken, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, broken, Failed("boom")))
		require.NoError(t, b.Cancel(ctx, "dropped"))
		running, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "running", running.JobID)

		tests := []struct {
			id      string
			wantErr error
		}{
			{id: "done"},
			{id: "broken"},
			{id: "dropped"},
			{id: "running", wantErr: domain.ErrNotDeletable},
			{id: "queued", wantErr: domain.ErrNotDeletable},
			{id: "missing", wantErr: domain.ErrJobNotFound},
		}
		for _, tt := range tests {
			err := b.Remove(ctx, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr, tt.id)
			} else {
				assert.NoError(t, err, tt.id)
			}
		}

		sizes, err := Sizes(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, map[domain.State]int64{
			domain.StateWaiting:   1,
			domain.StateActive:    1,
			domain.StateCompleted: 0,
			domain.StateFailed:    0,
		}, sizes)
		canceled, err := b.Size(ctx, domain.StateCanceled)
		require.NoError(t, err)
		assert.Equal(t, int64(0), canceled)

		assert.ErrorIs(t, b.Remove(ctx, "done"), domain.ErrJobNotFound)
		require.NoError(t, b.Ack(ctx, running, Completed(domain.Result{OutputPath: "y"})))
	})
}

func TestBroker_PurgeFinishedBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			require.NoError(t, b.Enqueue(ctx, fmt.Sprintf("job-%d", i), payloadFor(i)))
		}

		old, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, old, Completed(domain.Result{OutputPath: "x"})))
		require.NoError(t, b.Cancel(ctx, "job-3"))

		clock.Advance(time.Hour)
		cutoff := clock.Now()
		clock.Advance(time.Minute)

		recent, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, b.Ack(ctx, recent, Failed("boom")))
		active, err := b.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)

		n, err := b.PurgeFinishedBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		sizes, err := Sizes(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, map[domain.State]int64{
			domain.StateWaiting:   0,
			domain.StateActive:    1,
			domain.StateCompleted: 0,
			domain.StateFailed:    1,
		}, sizes)
		canceled, err := b.Size(ctx, domain.StateCanceled)
		require.NoError(t, err)
		assert.Equal(t, int64(0), canceled)

		failed, err := b.List(ctx, domain.StateFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, recent.JobID, failed[0].JobID)

		n, err = b.PurgeFinishedBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		require.NoError(t, b.Ack(ctx, active, Completed(domain.Result{OutputPath: "y"})))
	})
}

func TestBroker_ListWaitingInQueueOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, b.Enqueue(ctx, fmt.Sprintf("job-%d", i), payloadFor(i)))
			clock.Advance(time.Millisecond)
		}

		entries, err := b.List(ctx, domain.StateWaiting, 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, fmt.Sprintf("job-%d", i), e.JobID)
			assert.Equal(t, domain.StateWaiting, e.State)
			assert.Equal(t, payloadFor(i), e.Payload)
		}

		all, err := b.List(ctx, domain.StateWaiting, 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		none, err := b.List(ctx, domain.StateFailed, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestBroker_ConcurrentClaimersAckEachJobOnce(t *testing.T) {
	const (
		workers = 8
		jobs    = 40
	)

	forEachBackend(t, func(t *testing.T, b Broker, clock *fakeClock) {
		ctx := context.Background()
		for i := 0; i < jobs; i++ {
			require.NoError(t, b.Enqueue(ctx, fmt.Sprintf("job-%d", i), payloadFor(i)))
		}

		var (
			mu    sync.Mutex
			acked = make(map[string]int)
			wg    sync.WaitGroup
		)
		errs := make(chan error, workers)

		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				for {
					lease, err := b.Claim(ctx, workerID, time.Minute)
					if err == domain.ErrQueueEmpty {
						return
					}
					if err != nil {
						errs <- err
						return
					}
					if err := b.Ack(ctx, lease, Completed(domain.Result{OutputPath: lease.JobID})); err != nil {
						errs <- err
						return
					}
					mu.Lock()
					acked[lease.JobID]++
					mu.Unlock()
				}
			}(fmt.Sprintf("worker-%d", w))
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		assert.Len(t, acked, jobs)
		for id, n := range acked {
			assert.Equal(t, 1, n, "job %s acked more than once", id)
		}

		completed, err := b.Size(ctx, domain.StateCompleted)
		require.NoError(t, err)
		assert.Equal(t, int64(jobs), completed)
	})
}

func TestMemoryBroker_Closed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Ping(context.Background()), domain.ErrBrokerUnavailable)
	assert.ErrorIs(t, b.Enqueue(context.Background(), "x", payloadFor(1)), domain.ErrBrokerUnavailable)
}

func TestRedisBroker_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	b := NewRedisBroker(client, "")
	mr.Close()

	ctx := context.Background()
	assert.ErrorIs(t, b.Ping(ctx), domain.ErrBrokerUnavailable)
	assert.ErrorIs(t, b.Enqueue(ctx, "x", payloadFor(1)), domain.ErrBrokerUnavailable)
	_, err := b.Claim(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestRedisBroker_RemoveDropsKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := newFakeClock()
	b := NewRedisBroker(client, "test").WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "a", payloadFor(1)))
	require.NoError(t, b.Enqueue(ctx, "b", payloadFor(2)))
	assert.True(t, mr.Exists("test:job:a"))

	lease, err := b.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, lease, Completed(domain.Result{OutputPath: "x"})))
	require.NoError(t, b.Cancel(ctx, "b"))

	require.NoError(t, b.Remove(ctx, "a"))
	assert.False(t, mr.Exists("test:job:a"))
	assert.Zero(t, client.ZCard(ctx, "test:completed").Val())

	clock.Advance(time.Second)
	n, err := b.PurgeFinishedBefore(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, mr.Exists("test:job:b"))
	assert.Zero(t, client.ZCard(ctx, "test:canceled").Val())
}
