package model

import "time"

// RunStats represents resource usage sampled while the queue loop is running
type RunStats struct {
	InProgressTasks int       `json:"in_progress_tasks"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	CollectedAt     time.Time `json:"collected_at"`
}
