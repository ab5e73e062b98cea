// Package broker is the durable work queue between the producer API and the
// worker pool. Jobs move waiting -> active -> completed|failed; a claim hands
// out a time-bounded lease and only the lease holder may acknowledge.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
)

// Broker is a FIFO queue with visibility-timeout leases
type Broker interface {
	// Enqueue appends a job to the waiting set. Job IDs must be unique.
	Enqueue(ctx context.Context, jobID string, payload domain.Payload) error

	// Claim atomically moves the oldest waiting job to active and returns its
	// lease. It returns domain.ErrQueueEmpty when nothing is waiting.
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Lease, error)

	// Extend pushes the lease deadline to now + leaseDuration. On success
	// lease.ExpiresAt is updated in place.
	Extend(ctx context.Context, lease *Lease, leaseDuration time.Duration) error

	// Ack records the terminal outcome. It fails with domain.ErrJobNotFound
	// when the lease does not hold the job and domain.ErrLeaseExpired when the
	// lease deadline has passed.
	Ack(ctx context.Context, lease *Lease, outcome Outcome) error

	// Cancel removes a job that is still waiting
	Cancel(ctx context.Context, jobID string) error

	// ReclaimExpired returns jobs whose lease expired to the head of the
	// waiting set and reports how many were moved
	ReclaimExpired(ctx context.Context) (int, error)

	// List returns up to limit entries in the given state. Snapshot only.
	List(ctx context.Context, state domain.State, limit int) ([]Entry, error)

	// Size counts entries in the given state
	Size(ctx context.Context, state domain.State) (int64, error)

	// Remove drops a finished entry. Waiting and active entries fail with
	// domain.ErrNotDeletable, unknown ids with domain.ErrJobNotFound.
	Remove(ctx context.Context, jobID string) error

	// PurgeFinishedBefore drops completed, failed and canceled entries that
	// finished before cutoff and reports how many were removed
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Lease is a worker's exclusive, time-bounded claim on one job
type Lease struct {
	JobID     string
	Token     string
	WorkerID  string
	Payload   domain.Payload
	Attempt   int
	ClaimedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the lease deadline is before now
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Outcome is what a worker reports when it finishes a job
type Outcome struct {
	State  domain.State
	Result *domain.Result
	Reason string
}

// Completed builds a successful outcome
func Completed(result domain.Result) Outcome {
	return Outcome{State: domain.StateCompleted, Result: &result}
}

// Failed builds a failed outcome
func Failed(reason string) Outcome {
	return Outcome{State: domain.StateFailed, Reason: reason}
}

func (o Outcome) validate() error {
	switch o.State {
	case domain.StateCompleted:
		if o.Result == nil {
			return fmt.Errorf("completed outcome requires a result")
		}
	case domain.StateFailed:
	default:
		return fmt.Errorf("%w: cannot ack with state %s", domain.ErrInvalidTransition, o.State)
	}
	return nil
}

// Entry is a queue-side view of a job
type Entry struct {
	JobID      string
	State      domain.State
	Payload    domain.Payload
	WorkerID   string
	Attempts   int
	EnqueuedAt time.Time
	ExpiresAt  *time.Time
	FinishedAt *time.Time
	Result     *domain.Result
	Reason     string
}

// Sizes reads waiting/active/completed/failed counts in one call
func Sizes(ctx context.Context, b Broker) (map[domain.State]int64, error) {
	states := []domain.State{domain.StateWaiting, domain.StateActive, domain.StateCompleted, domain.StateFailed}
	sizes := make(map[domain.State]int64, len(states))
	for _, st := range states {
		n, err := b.Size(ctx, st)
		if err != nil {
			return nil, err
		}
		sizes[st] = n
	}
	return sizes, nil
}

var finishedStates = []domain.State{domain.StateCompleted, domain.StateFailed, domain.StateCanceled}

// unavailable wraps a backend connectivity error
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrBrokerUnavailable, op, err)
}

// ackFailure picks the error for an ack or extend that did not match a held
// lease: an expired caller lease is reported as such, anything else as not found.
func ackFailure(lease *Lease, now time.Time, heldButExpired bool) error {
	if heldButExpired || lease.Expired(now) {
		return fmt.Errorf("%w: job %s", domain.ErrLeaseExpired, lease.JobID)
	}
	return fmt.Errorf("%w: job %s is not held by lease %s", domain.ErrJobNotFound, lease.JobID, lease.Token)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
