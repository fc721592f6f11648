package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/scheduler"
)

// errValidation marks malformed request bodies and parameters.
var errValidation = errors.New("validation failed")

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrExecutionNotFound),
		errors.Is(err, orchestrator.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrDependencyNotSatisfied),
		errors.Is(err, scheduler.ErrInvalidState),
		errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, orchestrator.ErrPoolFull):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrCyclicDependency),
		errors.Is(err, scheduler.ErrUnknownDependency),
		errors.Is(err, orchestrator.ErrInvalidBatch),
		errors.Is(err, errValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}
