package metrics_collectors

import (
	"context"
	"sync"
)

// Metric is one collected value with its unit.
type Metric struct {
	Value interface{} `json:"value"`
	Unit  string      `json:"unit"`
}

// The registry will manage all metric collectors and provide a way to add/remove them dynamically.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// Register adds a new metric collector to the registry.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// GetCollectors returns all the metric collectors registered in the registry.
func (r *MetricsRegistry) GetCollectors() map[string]MetricCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]MetricCollector, len(r.collectors))
	for name, c := range r.collectors {
		out[name] = c
	}
	return out
}

// Collect runs every enabled collector concurrently. Collectors returning nil are left out.
func (r *MetricsRegistry) Collect(ctx context.Context, config *Config) map[string]Metric {
	metrics := make(map[string]Metric)
	var wg sync.WaitGroup
	var metricsMutex sync.Mutex

	for name, collector := range r.GetCollectors() {
		if !collector.IsEnabled(config) {
			continue
		}
		wg.Add(1)
		go func(name string, collector MetricCollector) {
			defer wg.Done()
			value := collector.Collect(ctx)
			if value == nil {
				return
			}
			metricsMutex.Lock()
			metrics[name] = Metric{Value: value, Unit: collector.Unit()}
			metricsMutex.Unlock()
		}(name, collector)
	}

	wg.Wait()
	return metrics
}
