// Package metrics aggregates request and job counters for /health, /stats
// and the Prometheus endpoint.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/imagejobs/internal/events"
)

// DefaultWindow is how many recent request durations feed the average
const DefaultWindow = 1000

// Collector is the metrics sink handed to the API and event consumers
type Collector interface {
	RequestObserved(d time.Duration)
	JobQueued()
	JobCompleted()
	JobFailed()
	SetQueueSizes(waiting, active int64)
	Snapshot() Snapshot
}

// Snapshot is a point-in-time copy of every counter and gauge
type Snapshot struct {
	RequestsTotal        int64     `json:"requestsTotal"`
	JobsQueuedTotal      int64     `json:"jobsQueuedTotal"`
	JobsCompletedTotal   int64     `json:"jobsCompletedTotal"`
	JobsFailedTotal      int64     `json:"jobsFailedTotal"`
	AvgRequestDurationMs float64   `json:"avgRequestDurationMs"`
	QueueWaiting         int64     `json:"queueWaiting"`
	QueueActive          int64     `json:"queueActive"`
	UptimeSeconds        float64   `json:"uptimeSeconds"`
	StartedAt            time.Time `json:"startedAt"`
}

// Recorder is the in-process Collector. Counters are atomics; durations go
// into a fixed ring where the oldest sample is overwritten.
type Recorder struct {
	requests  atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	waiting   atomic.Int64
	active    atomic.Int64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool

	startedAt time.Time
	now       func() time.Time
}

var _ Collector = (*Recorder)(nil)

// NewRecorder keeps the last window request durations. window <= 0 uses DefaultWindow.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{
		samples:   make([]time.Duration, window),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (r *Recorder) RequestObserved(d time.Duration) {
	r.requests.Add(1)

	r.mu.Lock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

func (r *Recorder) JobQueued()    { r.queued.Add(1) }
func (r *Recorder) JobCompleted() { r.completed.Add(1) }
func (r *Recorder) JobFailed()    { r.failed.Add(1) }

func (r *Recorder) SetQueueSizes(waiting, active int64) {
	r.waiting.Store(waiting)
	r.active.Store(active)
}

// Uptime is the time since the recorder was created
func (r *Recorder) Uptime() time.Duration {
	return r.now().Sub(r.startedAt)
}

func (r *Recorder) averageDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range r.samples[:n] {
		total += d
	}
	return total / time.Duration(n)
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:        r.requests.Load(),
		JobsQueuedTotal:      r.queued.Load(),
		JobsCompletedTotal:   r.completed.Load(),
		JobsFailedTotal:      r.failed.Load(),
		AvgRequestDurationMs: float64(r.averageDuration()) / float64(time.Millisecond),
		QueueWaiting:         r.waiting.Load(),
		QueueActive:          r.active.Load(),
		UptimeSeconds:        r.Uptime().Seconds(),
		StartedAt:            r.startedAt,
	}
}

// EventHandler counts worker lifecycle events into c
func EventHandler(c Collector) events.Handler {
	return func(ctx context.Context, evt events.Event) {
		switch evt.Type {
		case events.TypeJobCompleted:
			c.JobCompleted()
		case events.TypeJobFailed:
			c.JobFailed()
		}
	}
}
