package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// writeError maps domain errors onto HTTP statuses
func (h *JobHandler) writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrUnknownQueueClass), errors.Is(err, domain.ErrInvalidPayload):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
		message = "job not found"
	case errors.Is(err, domain.ErrCorrelationNotFound):
		status = http.StatusNotFound
		message = "session not found"
	case errors.Is(err, domain.ErrWriteConflict):
		status = http.StatusConflict
		message = "concurrent update, retry the request"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			slog.String("op", op),
			slog.Any("error", err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}
