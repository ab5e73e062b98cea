// Package events carries job lifecycle notifications from workers to
// whoever keeps counters, either in process or over a RabbitMQ fanout exchange.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle event
type Type string

const (
	TypeJobCompleted Type = "job.completed"
	TypeJobFailed    Type = "job.failed"
)

// Event is emitted by a worker once a job reaches a terminal state
type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"jobId"`
	WorkerID   string    `json:"workerId"`
	Filter     string    `json:"filter"`
	OutputPath string    `json:"outputPath,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"durationMs"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Handler consumes one event. Handlers must not block for long.
type Handler func(ctx context.Context, evt Event)

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers events to h until ctx is canceled or the source closes
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}
