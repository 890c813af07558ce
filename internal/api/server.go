// Package api exposes the engine over HTTP and streams garden events to WebSocket clients.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benmeehan/garden-sync/internal/hub"
	"github.com/benmeehan/garden-sync/internal/metrics_collectors"
	"github.com/benmeehan/garden-sync/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Core is the part of the engine the API drives.
type Core interface {
	GetSnapshot(ctx context.Context, gardenID string) (models.Snapshot, error)
	SetMode(ctx context.Context, gardenID string, mode models.Mode) (models.Snapshot, error)
	ControlDevice(ctx context.Context, gardenID string, device models.Device, on bool) (models.Snapshot, error)
	SetThreshold(ctx context.Context, gardenID string, t models.Threshold) (models.Threshold, error)
	Thresholds(ctx context.Context, gardenID string) ([]models.Threshold, error)
	UpsertSchedule(ctx context.Context, gardenID string, s models.Schedule) (models.Schedule, error)
	DeleteSchedule(ctx context.Context, gardenID, scheduleID string) error
	ApplySchedules(ctx context.Context, gardenID string, batch []models.Schedule, replace bool) ([]models.Schedule, error)
	Schedules(ctx context.Context, gardenID string) ([]models.Schedule, error)
	Readings(ctx context.Context, gardenID string, since time.Time) ([]models.SensorReading, error)
}

// Rooms is the subscription side of the broadcast hub.
type Rooms interface {
	Subscribe(sessionID string) (*hub.Subscription, error)
	Join(sessionID, gardenID string) error
	Leave(sessionID, gardenID string)
	Disconnect(sessionID string)
}

// StatsCollector gathers the values served on /stats.
type StatsCollector interface {
	Collect(ctx context.Context, config *metrics_collectors.Config) map[string]metrics_collectors.Metric
}

// Config holds the HTTP settings.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	Metrics        metrics_collectors.Config
}

// Server serves the configuration, control and snapshot API and the /ws channel.
type Server struct {
	cfg      Config
	core     Core
	rooms    Rooms
	stats    StatsCollector
	upgrader websocket.Upgrader
	engine   *gin.Engine
	http     *http.Server
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg Config, core Core, rooms Rooms, stats StatsCollector, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:   cfg,
		core:  core,
		rooms: rooms,
		stats: stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/stats", s.getStats)
	r.GET("/ws", s.handleWebSocket)

	g := r.Group("/gardens/:id")
	g.GET("/snapshot", s.getSnapshot)
	g.GET("/readings", s.getReadings)
	g.PUT("/mode", s.setMode)
	g.POST("/devices/:device", s.controlDevice)
	g.GET("/thresholds", s.getThresholds)
	g.PUT("/thresholds/:metric", s.putThreshold)
	g.GET("/schedules", s.getSchedules)
	g.PUT("/schedules/:scheduleId", s.putSchedule)
	g.DELETE("/schedules/:scheduleId", s.deleteSchedule)
	g.POST("/schedules/apply", s.applySchedules)
	return r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens in the background.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Stop closes WebSocket sessions and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
