package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Payload is what the processor needs to transform one image
type Payload struct {
	ImagePath string `json:"imagePath"`
	Filter    string `json:"filter"`
	Intensity int    `json:"intensity"`
}

// Result is set once a job completes
type Result struct {
	OutputPath string `json:"outputPath"`
	ObjectKey  string `json:"objectKey,omitempty"`
}

// Job is the persisted record of one image transformation request
type Job struct {
	ID            string
	Payload       Payload
	State         State
	Result        *Result
	FailureReason string
	ClaimedBy     string
	ClaimedAt     *time.Time
	Attempts      int
	EnqueuedAt    time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// NewPayload validates a submission. A nil intensity means the default.
// allowedFilters may be empty, in which case any non-empty filter passes.
func NewPayload(imagePath, filter string, intensity *int, allowedFilters []string) (Payload, error) {
	verr := &ValidationError{}

	imagePath = strings.TrimSpace(imagePath)
	filter = strings.TrimSpace(filter)

	if imagePath == "" {
		verr.Add(errors.New("imagePath is required"))
	}
	if filter == "" {
		verr.Add(errors.New("filter is required"))
	} else if len(allowedFilters) > 0 && !slices.Contains(allowedFilters, filter) {
		verr.Add(fmt.Errorf("filter %q is not supported", filter))
	}

	level := DefaultIntensity
	if intensity != nil {
		level = *intensity
		if level < MinIntensity || level > MaxIntensity {
			verr.Add(fmt.Errorf("intensity must be between %d and %d", MinIntensity, MaxIntensity))
		}
	}

	if verr.HasError() {
		return Payload{}, verr
	}

	return Payload{ImagePath: imagePath, Filter: filter, Intensity: level}, nil
}

// Normalized returns a copy with intensity clamped into range
func (p Payload) Normalized() Payload {
	p.Intensity = min(max(p.Intensity, MinIntensity), MaxIntensity)
	return p
}

// NewJob creates a waiting job
func NewJob(id string, payload Payload, now time.Time) *Job {
	return &Job{
		ID:         id,
		Payload:    payload,
		State:      StateWaiting,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

func (j *Job) transition(to State) error {
	if !IsValidTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	return nil
}

// Claim marks the job active for workerID
func (j *Job) Claim(workerID string, now time.Time) error {
	if err := j.transition(StateActive); err != nil {
		return err
	}
	j.ClaimedBy = workerID
	j.ClaimedAt = &now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

// Complete records a successful run
func (j *Job) Complete(result Result, now time.Time) error {
	if err := j.transition(StateCompleted); err != nil {
		return err
	}
	j.Result = &result
	j.FailureReason = ""
	j.finish(now)
	return nil
}

// Fail records a failed run
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.transition(StateFailed); err != nil {
		return err
	}
	j.Result = nil
	j.FailureReason = reason
	j.finish(now)
	return nil
}

// Cancel withdraws a job that has not been claimed yet
func (j *Job) Cancel(reason string, now time.Time) error {
	if j.State != StateWaiting {
		return fmt.Errorf("%w: state is %s", ErrNotCancelable, j.State)
	}
	if err := j.transition(StateCanceled); err != nil {
		return err
	}
	j.FailureReason = reason
	j.finish(now)
	return nil
}

func (j *Job) finish(now time.Time) {
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// Duration is the time from enqueue to finish, zero while unfinished
func (j *Job) Duration() time.Duration {
	if j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(j.EnqueuedAt)
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
