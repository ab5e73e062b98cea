package dto

import (
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/metrics"
)

type CreateJobRequest struct {
	ImagePath string `json:"imagePath"`
	Filter    string `json:"filter"`
	Intensity *int   `json:"intensity"`
}

type CreateJobResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	Filter   string `form:"filter"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type PayloadDTO struct {
	ImagePath string `json:"imagePath"`
	Filter    string `json:"filter"`
	Intensity int    `json:"intensity"`
}

// JobDTO is the status view of a job. Result is null until completed and
// FailedReason is null unless the job failed or was canceled.
type JobDTO struct {
	ID           string         `json:"id"`
	State        string         `json:"state"`
	Result       *domain.Result `json:"result"`
	FailedReason *string        `json:"failedReason"`
	Payload      PayloadDTO     `json:"payload"`
	Attempts     int            `json:"attempts"`
	ClaimedBy    string         `json:"claimedBy,omitempty"`
	EnqueuedAt   string         `json:"enqueuedAt"`
	StartedAt    *string        `json:"startedAt,omitempty"`
	FinishedAt   *string        `json:"finishedAt"`
}

type CancelJobResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
	Error     string  `json:"error,omitempty"`
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type StatsResponse struct {
	Queue    QueueStats       `json:"queue"`
	Metrics  metrics.Snapshot `json:"metrics"`
	ByState  map[string]int64 `json:"byState"`
	ByFilter map[string]int64 `json:"byFilter"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// NewJobDTO converts a job record into its response shape
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		ID:    job.ID,
		State: string(job.State),
		Payload: PayloadDTO{
			ImagePath: job.Payload.ImagePath,
			Filter:    job.Payload.Filter,
			Intensity: job.Payload.Intensity,
		},
		Attempts:   job.Attempts,
		ClaimedBy:  job.ClaimedBy,
		EnqueuedAt: job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:  formatTime(job.StartedAt),
		FinishedAt: formatTime(job.FinishedAt),
	}

	if job.State == domain.StateCompleted && job.Result != nil {
		r := *job.Result
		out.Result = &r
	}
	if job.FailureReason != "" {
		reason := job.FailureReason
		out.FailedReason = &reason
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
