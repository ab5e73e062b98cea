package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found, or when an ack
	// arrives for a job that is not held by the caller's lease
	ErrJobNotFound = errors.New("job not found")

	// ErrBrokerUnavailable is returned when the queue backend cannot be reached
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrLeaseExpired is returned when an ack or heartbeat arrives after the lease deadline
	ErrLeaseExpired = errors.New("lease expired")

	// ErrQueueEmpty is returned by Claim when no job is waiting
	ErrQueueEmpty = errors.New("queue empty")

	// ErrInvalidTransition is returned when a state change would break monotonicity
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotCancelable is returned when cancel targets a job that is no longer waiting
	ErrNotCancelable = errors.New("job is not waiting")

	// ErrNotDeletable is returned when delete targets a job that has not finished
	ErrNotDeletable = errors.New("job is not in a terminal state")

	// ErrTimeout is returned when the processor exceeds its execution bound
	ErrTimeout = errors.New("processor timed out")

	// ErrUnknownState is returned when a state filter is not a known state
	ErrUnknownState = errors.New("unknown job state")
)

// ValidationError collects submission problems. It is never enqueued.
type ValidationError struct {
	Errors []error `json:"errors"`
}

// NewValidationError builds a ValidationError holding errs
func NewValidationError(errs ...error) *ValidationError {
	return &ValidationError{Errors: errs}
}

func (v *ValidationError) Add(err error) {
	v.Errors = append(v.Errors, err)
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	msgs := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the collected errors to errors.Is
func (v *ValidationError) Unwrap() []error {
	return v.Errors
}

// ExecutionError describes a failed processor run. It becomes the job's
// failure reason and never stops the worker.
type ExecutionError struct {
	ExitCode int
	Stderr   string
	Timeout  time.Duration
	Err      error
}

func (e *ExecutionError) Error() string {
	return "execution failed: " + e.Reason()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Reason is the human readable cause stored on the job
func (e *ExecutionError) Reason() string {
	if errors.Is(e.Err, ErrTimeout) {
		return fmt.Sprintf("processor timed out after %s", e.Timeout)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return stderr
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("processor exited with code %d", e.ExitCode)
}

// FailureReason extracts the text stored on a failed job
func FailureReason(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Reason()
	}
	return err.Error()
}
