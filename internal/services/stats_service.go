package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/garden-sync/internal/metrics_collectors"
	"github.com/rs/zerolog"
)

// StatsCollector gathers the values that are logged.
type StatsCollector interface {
	Collect(ctx context.Context, config *metrics_collectors.Config) map[string]metrics_collectors.Metric
}

// StatsService periodically logs process, engine and hub statistics.
type StatsService struct {
	interval time.Duration
	timeout  time.Duration
	config   metrics_collectors.Config
	registry StatsCollector
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatsService initializes and returns a new instance of StatsService.
func NewStatsService(interval, timeout time.Duration, config metrics_collectors.Config,
	registry StatsCollector, logger zerolog.Logger) *StatsService {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &StatsService{
		interval: interval,
		timeout:  timeout,
		config:   config,
		registry: registry,
		logger:   logger,
	}
}

// Start initiates periodic collection.
func (m *StatsService) Start() error {
	if m.ctx != nil {
		m.logger.Warn().Msg("StatsService is already running")
		return errors.New("stats service is already running")
	}
	if m.interval <= 0 {
		return errors.New("stats interval must be positive")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.runCollectionLoop()

	m.logger.Info().Dur("interval", m.interval).Msg("StatsService started successfully")
	return nil
}

// Stop stops the collection loop.
func (m *StatsService) Stop() error {
	if m.ctx == nil {
		m.logger.Warn().Msg("StatsService is not running")
		return errors.New("stats service is not running")
	}

	m.cancel()
	m.wg.Wait()
	m.ctx = nil
	m.cancel = nil

	m.logger.Info().Msg("StatsService stopped successfully")
	return nil
}

func (m *StatsService) runCollectionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collect()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *StatsService) collect() {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	metrics := m.registry.Collect(ctx, &m.config)
	event := m.logger.Info()
	for name, metric := range metrics {
		event = event.Interface(name, metric.Value)
	}
	event.Msg("Service stats")
}
