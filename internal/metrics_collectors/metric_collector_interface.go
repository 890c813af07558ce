package metrics_collectors

import (
	"context"
)

// MetricCollector defines the interface for collecting a specific metric.
type MetricCollector interface {
	Name() string                            // Name of the metric (e.g., "cpu", "gardens")
	Collect(ctx context.Context) interface{} // Collect the metric data
	IsEnabled(config *Config) bool           // Check if the metric is enabled in the config
	Unit() string                            // Unit of the metric (e.g., "percentage", "bytes")
	Description() string                     // Description of the metric
}

// Config selects which collectors report values.
type Config struct {
	MonitorCPU        bool `yaml:"monitor_cpu"`
	MonitorMemory     bool `yaml:"monitor_memory"`
	MonitorGoroutines bool `yaml:"monitor_goroutines"`
	MonitorProcess    bool `yaml:"monitor_process"`
}
