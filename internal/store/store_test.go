package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/shared/database"
	"github.com/cuongbtq/imagejobs/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.UnixMilli(1_700_000_000_000)

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			client, err := database.NewClient(&database.Config{
				Driver: database.DriverSQLite,
				Path:   filepath.Join(t.TempDir(), "jobs.db"),
			}, logger.NewDiscard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })

			s := NewSQLStore(client)
			require.NoError(t, s.EnsureSchema(context.Background()))
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newJob(id, filter string, offset time.Duration) *domain.Job {
	return domain.NewJob(id, domain.Payload{
		ImagePath: "uploads/" + id + ".png",
		Filter:    filter,
		Intensity: 50,
	}, base.Add(offset))
}

func TestStore_PutGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob("j1", "grayscale", 0)
		require.NoError(t, s.Put(ctx, job))
		assert.Error(t, s.Put(ctx, job))

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "j1", got.ID)
		assert.Equal(t, job.Payload, got.Payload)
		assert.Equal(t, domain.StateWaiting, got.State)
		assert.True(t, job.EnqueuedAt.Equal(got.EnqueuedAt))
		assert.Nil(t, got.Result)
		assert.Empty(t, got.FailureReason)
		assert.Nil(t, got.FinishedAt)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_Update(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, newJob("j1", "blur", 0)))

		claimed, err := s.Update(ctx, "j1", func(j *domain.Job) error {
			return j.Claim("worker-0", base.Add(time.Second))
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateActive, claimed.State)
		assert.Equal(t, "worker-0", claimed.ClaimedBy)

		done, err := s.Update(ctx, "j1", func(j *domain.Job) error {
			return j.Complete(domain.Result{OutputPath: "results/j1_output.jpg", ObjectKey: "results/j1_output.jpg"}, base.Add(3*time.Second))
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, done.State)

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		require.NotNil(t, got.Result)
		assert.Equal(t, "results/j1_output.jpg", got.Result.OutputPath)
		assert.Equal(t, "results/j1_output.jpg", got.Result.ObjectKey)
		assert.Empty(t, got.ClaimedBy)
		assert.Nil(t, got.ClaimedAt)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, 3*time.Second, got.Duration())
		assert.Equal(t, 1, got.Attempts)

		// a failing mutation writes nothing
		_, err = s.Update(ctx, "j1", func(j *domain.Job) error {
			return j.Fail("late", base.Add(4*time.Second))
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err = s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCompleted, got.State)
		assert.Empty(t, got.FailureReason)

		_, err = s.Update(ctx, "missing", func(j *domain.Job) error { return nil })
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_UpdateIsAtomicPerKey(t *testing.T) {
	const writers = 20

	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, newJob("j1", "blur", 0)))

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "j1", func(j *domain.Job) error {
					j.Attempts++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, writers, got.Attempts)
	})
}

func TestStore_ListPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		filters := []string{"blur", "sepia", "blur", "grayscale", "blur"}
		for i, f := range filters {
			require.NoError(t, s.Put(ctx, newJob(fmt.Sprintf("j%d", i), f, time.Duration(i)*time.Second)))
		}

		page, err := s.List(ctx, Filter{PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, []string{"j4", "j3", "j2"}, ids(page))

		last := page[1]
		next, err := s.List(ctx, Filter{PageSize: 2, Cursor: &Cursor{EnqueuedAt: last.EnqueuedAt, JobID: last.ID}})
		require.NoError(t, err)
		assert.Equal(t, []string{"j2", "j1", "j0"}, ids(next))

		blur, err := s.List(ctx, Filter{Filter: "blur", PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"j4", "j2", "j0"}, ids(blur))

		_, err = s.Update(ctx, "j2", func(j *domain.Job) error { return j.Cancel("canceled by client", base) })
		require.NoError(t, err)

		canceled, err := s.List(ctx, Filter{State: domain.StateCanceled, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"j2"}, ids(canceled))

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestStore_ListTiesBrokenByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Put(ctx, newJob(id, "blur", 0)))
		}

		page, err := s.List(ctx, Filter{PageSize: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, ids(page))

		next, err := s.List(ctx, Filter{PageSize: 1, Cursor: &Cursor{EnqueuedAt: page[0].EnqueuedAt, JobID: page[0].ID}})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, ids(next))
	})
}

func TestStore_Counts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, newJob("j1", "blur", 0)))
		require.NoError(t, s.Put(ctx, newJob("j2", "blur", time.Second)))
		require.NoError(t, s.Put(ctx, newJob("j3", "sepia", 2*time.Second)))

		_, err := s.Update(ctx, "j1", func(j *domain.Job) error { return j.Claim("w", base) })
		require.NoError(t, err)

		byState, err := s.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), byState[domain.StateWaiting])
		assert.Equal(t, int64(1), byState[domain.StateActive])
		assert.Zero(t, byState[domain.StateCompleted])

		byFilter, err := s.CountByFilter(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"blur": 2, "sepia": 1}, byFilter)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, newJob("waiting", "blur", 0)))
		require.NoError(t, s.Put(ctx, newJob("done", "blur", 0)))
		_, err := s.Update(ctx, "done", func(j *domain.Job) error {
			if err := j.Claim("w", base); err != nil {
				return err
			}
			return j.Fail("boom", base.Add(time.Second))
		})
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(ctx, "waiting"), domain.ErrNotDeletable)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), domain.ErrJobNotFound)
		require.NoError(t, s.Delete(ctx, "done"))

		_, err = s.Get(ctx, "done")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_DeleteFinishedBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		finish := func(id string, at time.Time) {
			require.NoError(t, s.Put(ctx, newJob(id, "blur", 0)))
			_, err := s.Update(ctx, id, func(j *domain.Job) error {
				if err := j.Claim("w", base); err != nil {
					return err
				}
				return j.Complete(domain.Result{OutputPath: id}, at)
			})
			require.NoError(t, err)
		}

		finish("old", base.Add(time.Hour))
		finish("new", base.Add(72*time.Hour))
		require.NoError(t, s.Put(ctx, newJob("pending", "blur", 0)))

		n, err := s.DeleteFinishedBefore(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		_, err = s.Get(ctx, "new")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "pending")
		assert.NoError(t, err)
	})
}

func ids(jobs []*domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
