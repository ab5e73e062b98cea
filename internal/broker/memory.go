package broker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/google/uuid"
)

type memoryEntry struct {
	Entry
	seq   uint64
	token string
}

// MemoryBroker keeps the queue in process memory. It backs the embedded
// single-process mode and tests; nothing survives a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     uint64
	waiting []string
	entries map[string]*memoryEntry
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// WithClock replaces the time source, for tests
func (b *MemoryBroker) WithClock(now func() time.Time) *MemoryBroker {
	b.now = now
	return b
}

func (b *MemoryBroker) checkOpen() error {
	if b.closed {
		return unavailable("memory", fmt.Errorf("broker closed"))
	}
	return nil
}

func (b *MemoryBroker) Enqueue(ctx context.Context, jobID string, payload domain.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, exists := b.entries[jobID]; exists {
		return fmt.Errorf("job %s already enqueued", jobID)
	}

	b.seq++
	b.entries[jobID] = &memoryEntry{
		Entry: Entry{
			JobID:      jobID,
			State:      domain.StateWaiting,
			Payload:    payload,
			EnqueuedAt: b.now(),
		},
		seq: b.seq,
	}
	b.waiting = append(b.waiting, jobID)
	return nil
}

func (b *MemoryBroker) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if len(b.waiting) == 0 {
		return nil, domain.ErrQueueEmpty
	}

	jobID := b.waiting[0]
	b.waiting = b.waiting[1:]
	e := b.entries[jobID]

	now := b.now()
	expires := now.Add(leaseDuration)
	e.State = domain.StateActive
	e.WorkerID = workerID
	e.Attempts++
	e.ExpiresAt = &expires
	e.token = uuid.NewString()

	return &Lease{
		JobID:     jobID,
		Token:     e.token,
		WorkerID:  workerID,
		Payload:   e.Payload,
		Attempt:   e.Attempts,
		ClaimedAt: now,
		ExpiresAt: expires,
	}, nil
}

// held returns the entry if lease currently holds it. expired is true when
// the lease holds it but the deadline passed.
func (b *MemoryBroker) held(lease *Lease, now time.Time) (e *memoryEntry, expired bool) {
	e, ok := b.entries[lease.JobID]
	if !ok || e.State != domain.StateActive || e.token != lease.Token {
		return nil, false
	}
	if now.After(*e.ExpiresAt) {
		return nil, true
	}
	return e, false
}

func (b *MemoryBroker) Extend(ctx context.Context, lease *Lease, leaseDuration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	now := b.now()
	e, expired := b.held(lease, now)
	if e == nil {
		return ackFailure(lease, now, expired)
	}

	expires := now.Add(leaseDuration)
	e.ExpiresAt = &expires
	lease.ExpiresAt = expires
	return nil
}

func (b *MemoryBroker) Ack(ctx context.Context, lease *Lease, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	now := b.now()
	e, expired := b.held(lease, now)
	if e == nil {
		return ackFailure(lease, now, expired)
	}

	e.State = outcome.State
	e.Result = outcome.Result
	e.Reason = outcome.Reason
	e.FinishedAt = &now
	e.ExpiresAt = nil
	e.token = ""
	return nil
}

func (b *MemoryBroker) Cancel(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	e, ok := b.entries[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if e.State != domain.StateWaiting {
		return fmt.Errorf("%w: state is %s", domain.ErrNotCancelable, e.State)
	}

	b.waiting = slices.DeleteFunc(b.waiting, func(id string) bool { return id == jobID })
	now := b.now()
	e.State = domain.StateCanceled
	e.FinishedAt = &now
	return nil
}

func (b *MemoryBroker) ReclaimExpired(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	now := b.now()
	var expired []*memoryEntry
	for _, e := range b.entries {
		if e.State == domain.StateActive && now.After(*e.ExpiresAt) {
			expired = append(expired, e)
		}
	}
	slices.SortFunc(expired, func(a, c *memoryEntry) int { return int(a.seq) - int(c.seq) })

	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		e.State = domain.StateWaiting
		e.WorkerID = ""
		e.ExpiresAt = nil
		e.token = ""
		ids = append(ids, e.JobID)
	}
	b.waiting = append(ids, b.waiting...)
	return len(ids), nil
}

func (b *MemoryBroker) List(ctx context.Context, state domain.State, limit int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var matched []*memoryEntry
	if state == domain.StateWaiting {
		for _, id := range b.waiting {
			matched = append(matched, b.entries[id])
		}
	} else {
		for _, e := range b.entries {
			if e.State == state {
				matched = append(matched, e)
			}
		}
		slices.SortFunc(matched, func(a, c *memoryEntry) int { return int(a.seq) - int(c.seq) })
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Entry, len(matched))
	for i, e := range matched {
		out[i] = e.Entry
	}
	return out, nil
}

func (b *MemoryBroker) Size(ctx context.Context, state domain.State) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	if state == domain.StateWaiting {
		return int64(len(b.waiting)), nil
	}
	var n int64
	for _, e := range b.entries {
		if e.State == state {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) Remove(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	e, ok := b.entries[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if !e.State.IsTerminal() {
		return fmt.Errorf("%w: state is %s", domain.ErrNotDeletable, e.State)
	}
	delete(b.entries, jobID)
	return nil
}

func (b *MemoryBroker) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var n int64
	for id, e := range b.entries {
		if e.State.IsTerminal() && e.FinishedAt != nil && e.FinishedAt.Before(cutoff) {
			delete(b.entries, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkOpen()
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
