package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/imagejobs/internal/api/dto"
	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/gin-gonic/gin"
)

// respondError maps domain errors to status codes. Anything unknown is a 500
// carrying fallback as its message.
func respondError(c *gin.Context, logger *slog.Logger, err error, fallback string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		details := make([]string, len(verr.Errors))
		for i, e := range verr.Errors {
			details[i] = e.Error()
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: details,
		})

	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})

	case errors.Is(err, domain.ErrNotCancelable), errors.Is(err, domain.ErrNotDeletable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})

	default:
		logger.Error(fallback,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: fallback})
	}
}
