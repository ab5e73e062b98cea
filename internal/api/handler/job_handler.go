package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
	"github.com/cuongbtq/imagejobs/internal/api/service"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Page size bounds for job history
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// CreateJob handles POST /jobs
// Validates the submission, records it and puts it on the queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid request body",
		})
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), service.SubmitRequest{
		ImagePath: req.ImagePath,
		Filter:    req.Filter,
		Intensity: req.Intensity,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to queue job")
		return
	}

	c.JSON(http.StatusOK, dto.CreateJobResponse{
		Message: "Job queued",
		JobID:   job.ID,
	})
}

// GetJob handles GET /jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /jobs
// Lists job history newest first with optional state/filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}

	var state domain.State
	if req.State != "" {
		st, err := domain.ParseState(req.State)
		if err != nil {
			respondError(c, h.logger, err, "Invalid state")
			return
		}
		state = st
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), store.Filter{
		State:    state,
		Filter:   req.Filter,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err, "Failed to list jobs")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.NewJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.Cursor{
			EnqueuedAt: last.EnqueuedAt,
			JobID:      last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /jobs/:job_id/cancel
// Only jobs still waiting in the queue can be canceled
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err, "Failed to cancel job")
		return
	}

	c.JSON(http.StatusOK, dto.CancelJobResponse{
		ID:    job.ID,
		State: string(job.State),
	})
}

// DeleteJob handles DELETE /jobs/:job_id
// Permanently deletes a finished job record
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.Delete(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, err, "Failed to delete job")
		return
	}

	c.Status(http.StatusNoContent)
}

// jobID reads the path id. Ids are UUIDs, so anything else cannot exist.
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Debug("Malformed job_id", slog.String("job_id", jobID))
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
		return "", false
	}
	return jobID, true
}
