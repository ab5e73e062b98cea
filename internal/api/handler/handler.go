package handler

import (
	"log/slog"

	"github.com/cuongbtq/imagejobs/internal/api/service"
	"github.com/cuongbtq/imagejobs/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Jobs     *service.JobService
	Metrics  metrics.Collector
	Registry *prometheus.Registry
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   *service.JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// OpsHandler serves health, stats and metrics
type OpsHandler struct {
	logger   *slog.Logger
	jobs     *service.JobService
	registry *prometheus.Registry
}

// NewOpsHandler creates a new OpsHandler instance
func NewOpsHandler(deps *Dependencies) *OpsHandler {
	return &OpsHandler{
		logger:   deps.Logger,
		jobs:     deps.Jobs,
		registry: deps.Registry,
	}
}
