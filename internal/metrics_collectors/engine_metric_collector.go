package metrics_collectors

import (
	"context"

	"github.com/benmeehan/garden-sync/internal/engine"
	"github.com/benmeehan/garden-sync/internal/hub"
)

// EngineStatsProvider is implemented by *engine.Engine.
type EngineStatsProvider interface {
	Stats() engine.Stats
}

// HubStatsProvider is implemented by *hub.Hub.
type HubStatsProvider interface {
	Stats() hub.Stats
}

// EngineMetricCollector reports garden, queue and pending command counts. It is always enabled.
type EngineMetricCollector struct {
	Engine EngineStatsProvider
}

func (e *EngineMetricCollector) Name() string { return "engine" }

func (e *EngineMetricCollector) Collect(ctx context.Context) interface{} {
	s := e.Engine.Stats()
	return &s
}

func (e *EngineMetricCollector) IsEnabled(config *Config) bool { return e.Engine != nil }

func (e *EngineMetricCollector) Unit() string { return "count" }

func (e *EngineMetricCollector) Description() string {
	return "Active gardens, queued events and commands awaiting acknowledgement."
}

// HubMetricCollector reports broadcast hub counters.
type HubMetricCollector struct {
	Hub HubStatsProvider
}

func (h *HubMetricCollector) Name() string { return "hub" }

func (h *HubMetricCollector) Collect(ctx context.Context) interface{} {
	s := h.Hub.Stats()
	return &s
}

func (h *HubMetricCollector) IsEnabled(config *Config) bool { return h.Hub != nil }

func (h *HubMetricCollector) Unit() string { return "count" }

func (h *HubMetricCollector) Description() string {
	return "Rooms, sessions and events published, delivered and dropped by the hub."
}
