package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"golang.org/x/sync/errgroup"
)

// spawnWorkerPool spawns N slot goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		g.Go(func() error {
			defer w.wg.Done()
			w.workerLoop(ctx, i)
			return nil
		})
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the claim, process, ack loop of one slot
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	slotName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", slotName),
		slog.Int("worker_num", workerNum),
	)

	backoff := w.pollInterval
	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", slotName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", slotName),
			)
			return

		default:
		}

		lease, err := w.broker.Claim(ctx, slotName, w.leaseDuration)
		if err != nil {
			if !errors.Is(err, domain.ErrQueueEmpty) && ctx.Err() == nil {
				w.logger.Error("Failed to claim job",
					slog.String("worker_name", slotName),
					slog.String("error", err.Error()),
				)
			}
			if !w.sleep(ctx, backoff) {
				continue
			}
			backoff = min(backoff*2, w.maxPollInterval)
			continue
		}
		backoff = w.pollInterval

		w.logger.Info("Worker received job",
			slog.String("worker_name", slotName),
			slog.String("job_id", lease.JobID),
			slog.Int("attempt", lease.Attempt),
		)

		// a shutdown signal must not kill a job that is already running
		w.runSafely(context.WithoutCancel(ctx), slotName, lease)
	}
}

// runSafely processes one lease and turns a panic into a log entry. The
// lease is left to expire so the job is reclaimed.
func (w *Worker) runSafely(ctx context.Context, slotName string, lease *broker.Lease) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker recovered panic",
				slog.String("worker_name", slotName),
				slog.String("job_id", lease.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	w.processJob(ctx, slotName, lease)
}

// sleep waits for d and reports whether it ran to completion
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}
