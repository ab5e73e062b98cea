package router

import (
	"github.com/cuongbtq/imagejobs/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(deps.Metrics))
	r.Use(CORSMiddleware())

	opsHandler := handler.NewOpsHandler(deps)
	r.GET("/health", opsHandler.Health)
	r.GET("/stats", opsHandler.Stats)
	r.GET("/metrics", opsHandler.Metrics())

	jobHandler := handler.NewJobHandler(deps)

	jobs := r.Group("/jobs")
	{
		// POST /jobs - Submit an image job
		jobs.POST("", jobHandler.CreateJob)

		// GET /jobs - Job history with filtering and pagination
		jobs.GET("", jobHandler.ListJobs)

		// GET /jobs/:job_id - Job status
		jobs.GET("/:job_id", jobHandler.GetJob)

		// POST /jobs/:job_id/cancel - Cancel a waiting job
		jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

		// DELETE /jobs/:job_id - Delete a finished job record
		jobs.DELETE("/:job_id", jobHandler.DeleteJob)
	}

	return r
}
