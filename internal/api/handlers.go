package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benmeehan/garden-sync/internal/automation"
	"github.com/benmeehan/garden-sync/internal/garden"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type deviceRequest struct {
	On *bool `json:"on" binding:"required"`
}

type thresholdRequest struct {
	LowBound  *float64 `json:"low_bound" binding:"required"`
	HighBound *float64 `json:"high_bound" binding:"required"`
	Device    string   `json:"device"`
}

type applyRequest struct {
	Schedules []models.Schedule `json:"schedules"`
	Replace   bool              `json:"replace"`
}

// requestContext bounds a core call by the configured request timeout.
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

// bind decodes the JSON body, mapping decode failures onto ErrInvalidConfig.
func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: %v", garden.ErrInvalidConfig, err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	c.JSON(http.StatusOK, s.stats.Collect(ctx, &s.cfg.Metrics))
}

func (s *Server) getSnapshot(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	snap, err := s.core.GetSnapshot(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getReadings(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: since: %v", garden.ErrInvalidConfig, err))
			return
		}
		since = t
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	readings, err := s.core.Readings(ctx, c.Param("id"), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"readings": readings})
}

func (s *Server) setMode(c *gin.Context) {
	var req modeRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", garden.ErrInvalidConfig, err))
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	snap, err := s.core.SetMode(ctx, c.Param("id"), mode)
	if errors.Is(err, automation.ErrAutomationDegraded) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "snapshot": snap})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) controlDevice(c *gin.Context) {
	device, err := models.ParseDevice(c.Param("device"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errUnknownDevice, err))
		return
	}
	var req deviceRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	snap, err := s.core.ControlDevice(ctx, c.Param("id"), device, *req.On)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ack", "snapshot": snap})
}

func (s *Server) getThresholds(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	thresholds, err := s.core.Thresholds(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": thresholds})
}

func (s *Server) putThreshold(c *gin.Context) {
	metric, err := models.ParseMetric(c.Param("metric"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errUnknownMetric, err))
		return
	}
	var req thresholdRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	t, err := s.core.SetThreshold(ctx, c.Param("id"), models.Threshold{
		Metric:    metric,
		LowBound:  *req.LowBound,
		HighBound: *req.HighBound,
		Device:    models.Device(req.Device),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) getSchedules(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	schedules, err := s.core.Schedules(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) putSchedule(c *gin.Context) {
	var sched models.Schedule
	if err := bind(c, &sched); err != nil {
		s.fail(c, err)
		return
	}
	sched.ID = c.Param("scheduleId")

	ctx, cancel := s.requestContext(c)
	defer cancel()
	stored, err := s.core.UpsertSchedule(ctx, c.Param("id"), sched)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.core.DeleteSchedule(ctx, c.Param("id"), c.Param("scheduleId")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) applySchedules(c *gin.Context) {
	var req applyRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}

	// Recommendations arrive without ids.
	for i := range req.Schedules {
		if req.Schedules[i].ID == "" {
			req.Schedules[i].ID = uuid.NewString()
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	stored, err := s.core.ApplySchedules(ctx, c.Param("id"), req.Schedules, req.Replace)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": stored})
}
