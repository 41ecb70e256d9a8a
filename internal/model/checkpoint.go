package model

import "time"

// CheckpointRecord tracks resumable progress for a task in flight.
// PhaseOutputs accumulates across updates: later phases add or overwrite
// keys, they never drop keys written by earlier phases.
type CheckpointRecord struct {
	TaskID            string         `json:"task_id"`
	TaskType          string         `json:"task_type"`
	Phase             string         `json:"phase"`
	PhaseOutputs      map[string]any `json:"phase_outputs"`
	Counters          map[string]any `json:"counters,omitempty"`
	OwningProcessID   int32          `json:"owning_process_id"`
	StartedAt         time.Time      `json:"started_at"`
	LastUpdatedAt     time.Time      `json:"last_updated_at"`
	CostAttributionID string         `json:"cost_attribution_id,omitempty"`
}
