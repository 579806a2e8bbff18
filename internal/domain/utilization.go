package domain

import "context"

// NodeUtilization is one instance as reported by the utilization agent.
type NodeUtilization struct {
	CPUUtilizationPercent      float64 `json:"cpu_utilization_percent"`
	MemoryUtilizationPercent   float64 `json:"memory_utilization_percent"`
	CPUSaturationIOWaitPercent float64 `json:"cpu_saturation_iowait_percent"`
	DiskIOErrorRate            float64 `json:"disk_io_error_rate"`
	UseScore                   float64 `json:"use_score"`
}

// UtilizationReader reads per-instance utilization from the utilization agent.
type UtilizationReader interface {
	Scores(ctx context.Context) (map[string]NodeUtilization, error)
}
