package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/engine"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/ingest"
	"github.com/gin-gonic/gin"
)

var (
	errUnknownDevice = errors.New("unknown device")
	errUnknownMetric = errors.New("unknown metric")
)

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, garden.ErrInvalidConfig), errors.Is(err, ingest.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrScheduleNotFound),
		errors.Is(err, errUnknownDevice),
		errors.Is(err, errUnknownMetric):
		return http.StatusNotFound
	case errors.Is(err, automation.ErrAutomationModeConflict),
		errors.Is(err, automation.ErrAutomationDegraded):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("garden_id", c.Param("id")).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
