package metrics_collectors

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"
)

// GoroutineMetrics splits the runtime goroutine count into garden actors and everything else.
type GoroutineMetrics struct {
	Total  int `json:"total"`
	Actors int `json:"actors"`
	Other  int `json:"other"`
}

// GoroutineMetricCollector counts goroutines. Each running garden owns exactly one actor goroutine.
type GoroutineMetricCollector struct {
	Engine EngineStatsProvider
	Logger zerolog.Logger
}

func (g *GoroutineMetricCollector) Name() string {
	return "goroutines"
}

func (g *GoroutineMetricCollector) Collect(ctx context.Context) interface{} {
	m := &GoroutineMetrics{Total: runtime.NumGoroutine()}
	if g.Engine != nil {
		m.Actors = g.Engine.Stats().Gardens
	}
	m.Other = max(m.Total-m.Actors, 0)

	g.Logger.Debug().Int("total", m.Total).Int("actors", m.Actors).Msg("Goroutine count collected")
	return m
}

func (g *GoroutineMetricCollector) IsEnabled(config *Config) bool {
	return config.MonitorGoroutines
}

func (g *GoroutineMetricCollector) Unit() string {
	return "count"
}

func (g *GoroutineMetricCollector) Description() string {
	return "Goroutines in the runtime, split into garden actors and the rest."
}
