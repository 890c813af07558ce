package metrics_collectors

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
)

// ProcessMetrics holds resource usage of the running service.
type ProcessMetrics struct {
	CPUUsage float64 `json:"cpu_usage"`
	Memory   float64 `json:"memory"`
	Threads  int32   `json:"threads"`
}

// ProcessMetricCollector reports CPU and memory used by this process.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
}

func (p *ProcessMetricCollector) Name() string {
	return "process"
}

func (p *ProcessMetricCollector) Collect(ctx context.Context) interface{} {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p.Logger.Error().Err(err).Msg("Failed to open own process")
		return nil
	}

	procMetrics := &ProcessMetrics{}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		procMetrics.CPUUsage = cpuPercent
	} else {
		p.Logger.Warn().Err(err).Int32("pid", proc.Pid).Msg("Failed to get CPU usage")
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		procMetrics.Memory = float64(memInfo.RSS)
	} else {
		p.Logger.Warn().Err(err).Int32("pid", proc.Pid).Msg("Failed to get memory information")
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		procMetrics.Threads = threads
	}

	return procMetrics
}

func (p *ProcessMetricCollector) IsEnabled(config *Config) bool {
	return config.MonitorProcess
}

func (p *ProcessMetricCollector) Unit() string {
	return "varied (CPU: %, Memory: bytes)"
}

func (p *ProcessMetricCollector) Description() string {
	return "CPU usage (%), resident memory (bytes) and thread count of the service process."
}
