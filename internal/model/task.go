package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskPriority represents the priority level of a task
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
	TaskPriorityUrgent TaskPriority = 4
)

// String returns the priority name used in config files and CLI output.
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name as accepted by the CLI.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return TaskPriorityLow, nil
	case "normal", "":
		return TaskPriorityNormal, nil
	case "high":
		return TaskPriorityHigh, nil
	case "urgent":
		return TaskPriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Task represents a unit of work to be executed by a registered workflow
type Task struct {
	ID       string         `json:"id"`
	TaskType string         `json:"task_type"`
	Category string         `json:"category"`
	Priority TaskPriority   `json:"priority"`
	Status   TaskStatus     `json:"status"`
	Quality  string         `json:"quality,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Execution details
	CurrentPhase      string `json:"current_phase,omitempty"`
	CostAttributionID string `json:"cost_attribution_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// ConcurrencyMode selects how the queue limits simultaneous work
type ConcurrencyMode string

const (
	ConcurrencyModeMaxConcurrent ConcurrencyMode = "max_concurrent"
	ConcurrencyModeStaggerHours  ConcurrencyMode = "stagger_hours"
)

// ConcurrencyConfig holds the active concurrency mode and its parameters
type ConcurrencyConfig struct {
	Mode          ConcurrencyMode `json:"mode"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`
	StaggerHours  float64         `json:"stagger_hours,omitempty"`
}

// Validate checks that the configuration parameters match the mode.
func (c ConcurrencyConfig) Validate() error {
	switch c.Mode {
	case ConcurrencyModeMaxConcurrent:
		if c.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
		}
	case ConcurrencyModeStaggerHours:
		if c.StaggerHours <= 0 {
			return fmt.Errorf("stagger_hours must be > 0, got %v", c.StaggerHours)
		}
	default:
		return fmt.Errorf("unknown concurrency mode %q", c.Mode)
	}
	return nil
}
