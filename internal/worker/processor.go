package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/events"
)

// OutputPath is where the processed image for jobID is written
func OutputPath(resultsDir, jobID, ext string) string {
	return filepath.Join(resultsDir, jobID+"_output"+ext)
}

// processJob runs one claimed job to a terminal outcome. Per-job failures
// become the job's failure reason and never reach the caller.
func (w *Worker) processJob(ctx context.Context, slotName string, lease *broker.Lease) {
	started := w.now()

	w.logger.Info("Processing job",
		slog.String("job_id", lease.JobID),
		slog.String("worker_name", slotName),
	)

	// Step 1: mirror the claim onto the record (waiting|active -> active)
	if _, err := w.store.Update(ctx, lease.JobID, func(j *domain.Job) error {
		return j.Claim(slotName, started)
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			w.rejectClaim(ctx, slotName, lease, err)
			return
		}
		w.logger.Warn("Failed to mark job active",
			slog.String("job_id", lease.JobID),
			slog.String("error", err.Error()),
		)
	}

	// Step 2: run the processor while a heartbeat keeps the lease alive
	result, execErr := w.runWithHeartbeat(ctx, lease)

	// Step 3: ack on the broker; only the lease holder may finish the job
	outcome := broker.Completed(result)
	if execErr != nil {
		outcome = broker.Failed(domain.FailureReason(execErr))
	}

	if err := w.broker.Ack(ctx, lease, outcome); err != nil {
		if errors.Is(err, domain.ErrLeaseExpired) || errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Lease lost before ack, result discarded",
				slog.String("job_id", lease.JobID),
				slog.String("worker_name", slotName),
				slog.String("state", string(outcome.State)),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Error("Failed to ack job",
			slog.String("job_id", lease.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	// Step 4: record the terminal state
	finished := w.now()
	_, err := w.store.Update(ctx, lease.JobID, func(j *domain.Job) error {
		if execErr != nil {
			return j.Fail(outcome.Reason, finished)
		}
		return j.Complete(result, finished)
	})
	if err != nil {
		w.logger.Error("Failed to update job record",
			slog.String("job_id", lease.JobID),
			slog.String("state", string(outcome.State)),
			slog.String("error", err.Error()),
		)
	}

	evt := events.Event{
		JobID:      lease.JobID,
		WorkerID:   slotName,
		Filter:     lease.Payload.Filter,
		DurationMs: finished.Sub(started).Milliseconds(),
		OccurredAt: finished,
	}

	if execErr != nil {
		evt.Type = events.TypeJobFailed
		evt.Reason = outcome.Reason
		w.logger.Error("Job execution failed",
			slog.String("job_id", lease.JobID),
			slog.String("worker_name", slotName),
			slog.String("filter", lease.Payload.Filter),
			slog.String("reason", outcome.Reason),
			slog.Duration("duration", finished.Sub(started)),
		)
	} else {
		evt.Type = events.TypeJobCompleted
		evt.OutputPath = result.OutputPath
		w.logger.Info("Job completed successfully",
			slog.String("job_id", lease.JobID),
			slog.String("worker_name", slotName),
			slog.String("filter", lease.Payload.Filter),
			slog.String("output_path", result.OutputPath),
			slog.Duration("duration", finished.Sub(started)),
		)
	}

	if err := w.publisher.Publish(ctx, evt); err != nil {
		w.logger.Warn("Failed to publish job event",
			slog.String("job_id", lease.JobID),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// rejectClaim fails the lease without running the processor when the job
// record is missing or already finished
func (w *Worker) rejectClaim(ctx context.Context, slotName string, lease *broker.Lease, cause error) {
	reason := fmt.Sprintf("job record refused claim: %v", cause)

	w.logger.Warn("Job record refused claim, skipping execution",
		slog.String("job_id", lease.JobID),
		slog.String("worker_name", slotName),
		slog.String("error", cause.Error()),
	)

	if err := w.broker.Ack(ctx, lease, broker.Failed(reason)); err != nil {
		w.logger.Error("Failed to ack refused job",
			slog.String("job_id", lease.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// runWithHeartbeat returns only after the heartbeat goroutine has exited, so
// the lease is not touched concurrently afterwards
func (w *Worker) runWithHeartbeat(ctx context.Context, lease *broker.Lease) (domain.Result, error) {
	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendJobHeartbeat(ctx, lease, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatStopped
	}()

	return w.executeJob(ctx, lease)
}

// executeJob validates the payload, runs the processor and checks its output
func (w *Worker) executeJob(ctx context.Context, lease *broker.Lease) (domain.Result, error) {
	payload, err := validatePayload(lease.Payload)
	if err != nil {
		return domain.Result{}, err
	}

	if err := os.MkdirAll(w.resultsDir, 0o755); err != nil {
		return domain.Result{}, fmt.Errorf("failed to create results directory: %w", err)
	}

	outputPath := OutputPath(w.resultsDir, lease.JobID, w.outputExt)

	w.logger.Debug("Executing processor",
		slog.String("job_id", lease.JobID),
		slog.String("input", payload.ImagePath),
		slog.String("output", outputPath),
		slog.String("filter", payload.Filter),
		slog.Int("intensity", payload.Intensity),
	)

	err = w.executor.Run(ctx, Invocation{
		InputPath:  payload.ImagePath,
		OutputPath: outputPath,
		Filter:     payload.Filter,
		Intensity:  payload.Intensity,
	})
	if err != nil {
		return domain.Result{}, err
	}

	if _, err := os.Stat(outputPath); err != nil {
		return domain.Result{}, &domain.ExecutionError{
			Err: fmt.Errorf("processor exited successfully but output %s was not produced", outputPath),
		}
	}

	result := domain.Result{OutputPath: outputPath}

	key, err := w.uploader.Upload(ctx, lease.JobID, outputPath)
	if err != nil {
		w.logger.Warn("Failed to mirror output to object storage",
			slog.String("job_id", lease.JobID),
			slog.String("output_path", outputPath),
			slog.String("error", err.Error()),
		)
	}
	result.ObjectKey = key

	return result, nil
}

// validatePayload checks fields and that the input image can be opened.
// Intensity is clamped rather than rejected.
func validatePayload(p domain.Payload) (domain.Payload, error) {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(p.ImagePath) == "" {
		verr.Add(errors.New("imagePath is required"))
	}
	if strings.TrimSpace(p.Filter) == "" {
		verr.Add(errors.New("filter is required"))
	}
	if verr.HasError() {
		return p, verr
	}

	f, err := os.Open(p.ImagePath)
	if err != nil {
		return p, fmt.Errorf("input image is not readable: %w", err)
	}
	f.Close()

	return p.Normalized(), nil
}

// sendJobHeartbeat periodically extends the job's lease
func (w *Worker) sendJobHeartbeat(ctx context.Context, lease *broker.Lease, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.logger.Debug("Job heartbeat started",
		slog.String("job_id", lease.JobID),
	)

	for {
		select {
		case <-done:
			w.logger.Debug("Job heartbeat stopped",
				slog.String("job_id", lease.JobID),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Job heartbeat stopped - context canceled",
				slog.String("job_id", lease.JobID),
			)
			return

		case <-ticker.C:
			if err := w.broker.Extend(ctx, lease, w.leaseDuration); err != nil {
				w.logger.Warn("Failed to extend job lease",
					slog.String("job_id", lease.JobID),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, domain.ErrLeaseExpired) || errors.Is(err, domain.ErrJobNotFound) {
					return
				}
			} else {
				w.logger.Debug("Job lease extended",
					slog.String("job_id", lease.JobID),
					slog.Time("expires_at", lease.ExpiresAt),
				)
			}
		}
	}
}
