package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/cuongbtq/imagejobs/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Health handles GET /health. It always answers 200; a failing backend
// turns the status into "degraded".
func (h *OpsHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    h.jobs.Uptime().Seconds(),
	}

	if err := h.jobs.Health(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Error = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// Stats handles GET /stats
func (h *OpsHandler) Stats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to get stats")
		return
	}

	byState := make(map[string]int64, len(domain.AllStates))
	for _, st := range domain.AllStates {
		byState[string(st)] = stats.ByState[st]
	}

	byFilter := stats.ByFilter
	if byFilter == nil {
		byFilter = map[string]int64{}
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		Queue: dto.QueueStats{
			Waiting:   stats.Queue[domain.StateWaiting],
			Active:    stats.Queue[domain.StateActive],
			Completed: stats.Queue[domain.StateCompleted],
			Failed:    stats.Queue[domain.StateFailed],
		},
		Metrics:  stats.Metrics,
		ByState:  byState,
		ByFilter: byFilter,
	})
}

// Metrics handles GET /metrics in Prometheus text format
func (h *OpsHandler) Metrics() gin.HandlerFunc {
	return gin.WrapH(metrics.Handler(h.registry))
}
