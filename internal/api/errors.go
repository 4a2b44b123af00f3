package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/queue"
)

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, locker.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, liveness.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicateCommand),
		errors.Is(err, locker.ErrInvalidTransition),
		errors.Is(err, locker.ErrOptimisticLock),
		errors.Is(err, locker.ErrOwnershipConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError renders err as {"error": msg} with its mapped status.
// Version conflicts also carry the current version so clients can re-read.
func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}

	var conflict *locker.ConflictError
	if errors.As(err, &conflict) {
		body["version"] = conflict.Actual
	}
	var dup *queue.DuplicateCommandError
	if errors.As(err, &dup) && dup.CommandID != "" {
		body["command_id"] = dup.CommandID
	}

	c.AbortWithStatusJSON(status, body)
}
